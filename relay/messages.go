// Package relay implements the signaling relay: the JSON {method, params}
// wire protocol, a reconnecting client, and the hub server that forwards
// messages between connected clients and bridges MPC proof pipes.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Methods sent by clients to the relay.
const (
	MethodPairRequest              = "pair_request"
	MethodPairRequestCancel        = "pair_request_cancel"
	MethodPairRequestReject        = "pair_request_reject"
	MethodPairRequestAccept        = "pair_request_accept"
	MethodUnpair                   = "unpair"
	MethodRequestProof             = "request_proof"
	MethodRequestProofByHash       = "request_proof_by_hash"
	MethodRequestProofByHashFailed = "request_proof_by_hash_failed"
	MethodProofRequestCancel       = "proof_request_cancel"
	MethodProofRequestReject       = "proof_request_reject"
	MethodProofRequestAccept       = "proof_request_accept"
)

// Methods delivered by the relay to clients. Forwarded requests keep their
// name; cancel and reject arrive in past tense.
const (
	MethodClientConnect         = "client_connect"
	MethodPairRequestSent       = "pair_request_sent"
	MethodPairRequestCancelled  = "pair_request_cancelled"
	MethodPairRequestRejected   = "pair_request_rejected"
	MethodPairRequestSuccess    = "pair_request_success"
	MethodUnpaired              = "unpaired"
	MethodProofRequestReceived  = "proof_request_received"
	MethodProofRequestCancelled = "proof_request_cancelled"
	MethodProofRequestRejected  = "proof_request_rejected"
	MethodError                 = "error"
)

// Handshake signals exchanged during a running proof, in both directions.
const (
	MethodVerifierStarted    = "verifier_started"
	MethodProverInstantiated = "prover_instantiated"
	MethodProverSetup        = "prover_setup"
	MethodProverStarted      = "prover_started"
	MethodProofRequestStart  = "proof_request_start"
	MethodProofRequestEnd    = "proof_request_end"
)

// ErrUnknownMethod is returned by Decode for methods outside the vocabulary.
var ErrUnknownMethod = errors.New("relay: unknown method")

// Message is the relay envelope.
type Message struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     int64           `json:"id,omitempty"`
}

// NewMessage builds a message with params marshalled to JSON.
func NewMessage(method string, params any) (Message, error) {
	m := Message{Method: method}
	if params == nil {
		return m, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	m.Params = b
	return m, nil
}

// MustMessage is NewMessage for params that always marshal.
func MustMessage(method string, params any) Message {
	m, err := NewMessage(method, params)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseParams unmarshals the params into out.
func (m Message) ParseParams(out any) error {
	if len(m.Params) == 0 {
		return fmt.Errorf("%s: missing params", m.Method)
	}
	if err := json.Unmarshal(m.Params, out); err != nil {
		return fmt.Errorf("%s: invalid params: %w", m.Method, err)
	}
	return nil
}

// ClientConnectParams carries the id the relay assigned to a client.
type ClientConnectParams struct {
	ClientID string `json:"clientId"`
}

// PeerParams addresses a peer. Target is set by the sender; the relay
// replaces it with From when forwarding.
type PeerParams struct {
	Target string `json:"target,omitempty"`
	From   string `json:"from,omitempty"`
}

// ProofParams addresses a proof request, keyed by plugin hash. Plugin is
// only carried by request_proof and proof_request_received.
type ProofParams struct {
	Target     string          `json:"target,omitempty"`
	From       string          `json:"from,omitempty"`
	PluginHash string          `json:"pluginHash"`
	Plugin     json.RawMessage `json:"plugin,omitempty"`
}

// SignalParams is a handshake signal. Error and Result are only set on
// proof_request_end.
type SignalParams struct {
	Target     string          `json:"target,omitempty"`
	From       string          `json:"from,omitempty"`
	PluginHash string          `json:"pluginHash"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ErrorParams is a relay error report.
type ErrorParams struct {
	Message string `json:"message"`
	Method  string `json:"method,omitempty"`
}

// Inbound is the closed set of messages a client can receive.
type Inbound interface {
	inbound()
}

type (
	ClientConnect struct{ ClientID string }
	PairRequest   struct{ From string }
	PairSent      struct{ Target string }
	PairCancelled struct{ From string }
	PairRejected  struct{ From string }
	PairSuccess   struct{ Peer string }
	Unpaired      struct{ From string }

	ProofRequested struct {
		From, Hash string
		Plugin     json.RawMessage
	}
	ProofByHash       struct{ From, Hash string }
	ProofByHashFailed struct{ From, Hash string }
	ProofCancelled    struct{ From, Hash string }
	ProofRejected     struct{ From, Hash string }
	ProofAccepted     struct{ From, Hash string }
	Signal            struct {
		Method     string
		From, Hash string
		Error      string
		Result     json.RawMessage
	}
	RelayError struct{ Message, Method string }
)

func (ClientConnect) inbound()     {}
func (PairRequest) inbound()       {}
func (PairSent) inbound()          {}
func (PairCancelled) inbound()     {}
func (PairRejected) inbound()      {}
func (PairSuccess) inbound()       {}
func (Unpaired) inbound()          {}
func (ProofRequested) inbound()    {}
func (ProofByHash) inbound()       {}
func (ProofByHashFailed) inbound() {}
func (ProofCancelled) inbound()    {}
func (ProofRejected) inbound()     {}
func (ProofAccepted) inbound()     {}
func (Signal) inbound()            {}
func (RelayError) inbound()        {}

// IsSignal reports whether method is a proof handshake signal.
func IsSignal(method string) bool {
	switch method {
	case MethodVerifierStarted, MethodProverInstantiated, MethodProverSetup,
		MethodProverStarted, MethodProofRequestStart, MethodProofRequestEnd:
		return true
	}
	return false
}

// Decode parses a message received from the relay into its variant.
// Unknown methods yield ErrUnknownMethod; malformed params an error.
func Decode(m Message) (Inbound, error) {
	switch m.Method {
	case MethodClientConnect:
		var p ClientConnectParams
		if err := m.ParseParams(&p); err != nil {
			return nil, err
		}
		if p.ClientID == "" {
			return nil, fmt.Errorf("%s: empty clientId", m.Method)
		}
		return ClientConnect{ClientID: p.ClientID}, nil

	case MethodPairRequest, MethodPairRequestCancelled, MethodPairRequestRejected, MethodUnpaired:
		var p PeerParams
		if err := m.ParseParams(&p); err != nil {
			return nil, err
		}
		if p.From == "" {
			return nil, fmt.Errorf("%s: missing from", m.Method)
		}
		switch m.Method {
		case MethodPairRequest:
			return PairRequest{From: p.From}, nil
		case MethodPairRequestCancelled:
			return PairCancelled{From: p.From}, nil
		case MethodPairRequestRejected:
			return PairRejected{From: p.From}, nil
		default:
			return Unpaired{From: p.From}, nil
		}

	case MethodPairRequestSent:
		var p PeerParams
		if err := m.ParseParams(&p); err != nil {
			return nil, err
		}
		return PairSent{Target: p.Target}, nil

	case MethodPairRequestSuccess:
		var p PeerParams
		if err := m.ParseParams(&p); err != nil {
			return nil, err
		}
		if p.From == "" {
			return nil, fmt.Errorf("%s: missing from", m.Method)
		}
		return PairSuccess{Peer: p.From}, nil

	case MethodProofRequestReceived, MethodRequestProofByHash, MethodRequestProofByHashFailed,
		MethodProofRequestCancelled, MethodProofRequestRejected, MethodProofRequestAccept:
		var p ProofParams
		if err := m.ParseParams(&p); err != nil {
			return nil, err
		}
		if p.From == "" || p.PluginHash == "" {
			return nil, fmt.Errorf("%s: missing from or pluginHash", m.Method)
		}
		switch m.Method {
		case MethodProofRequestReceived:
			if len(p.Plugin) == 0 {
				return nil, fmt.Errorf("%s: missing plugin", m.Method)
			}
			return ProofRequested{From: p.From, Hash: p.PluginHash, Plugin: p.Plugin}, nil
		case MethodRequestProofByHash:
			return ProofByHash{From: p.From, Hash: p.PluginHash}, nil
		case MethodRequestProofByHashFailed:
			return ProofByHashFailed{From: p.From, Hash: p.PluginHash}, nil
		case MethodProofRequestCancelled:
			return ProofCancelled{From: p.From, Hash: p.PluginHash}, nil
		case MethodProofRequestRejected:
			return ProofRejected{From: p.From, Hash: p.PluginHash}, nil
		default:
			return ProofAccepted{From: p.From, Hash: p.PluginHash}, nil
		}

	case MethodVerifierStarted, MethodProverInstantiated, MethodProverSetup,
		MethodProverStarted, MethodProofRequestStart, MethodProofRequestEnd:
		var p SignalParams
		if err := m.ParseParams(&p); err != nil {
			return nil, err
		}
		if p.From == "" || p.PluginHash == "" {
			return nil, fmt.Errorf("%s: missing from or pluginHash", m.Method)
		}
		return Signal{Method: m.Method, From: p.From, Hash: p.PluginHash, Error: p.Error, Result: p.Result}, nil

	case MethodError:
		var p ErrorParams
		if err := m.ParseParams(&p); err != nil {
			return nil, err
		}
		return RelayError{Message: p.Message, Method: p.Method}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownMethod, m.Method)
}
