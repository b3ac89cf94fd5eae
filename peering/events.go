package peering

import (
	"encoding/json"
	"errors"

	"notary-mpc/relay"
)

// Event is the closed set of inputs to Reduce.
type Event interface {
	event()
}

// Local commands.
type (
	SendPairRequest    struct{ Target string }
	CancelPairRequest  struct{ Target string }
	AcceptPairRequest  struct{ From string }
	RejectPairRequest  struct{ From string }
	Unpair             struct{}
	CancelProofRequest struct{ Hash string }
	AcceptProofRequest struct{ Hash string }
	RejectProofRequest struct{ Hash string }

	// RequestProof asks the paired peer to verify a proof of Plugin. Hash
	// must be storage.PluginHash(Plugin).
	RequestProof struct {
		Hash   string
		Plugin json.RawMessage
	}
)

// Transport and runner inputs.
type (
	Received     struct{ Msg relay.Inbound }
	Connected    struct{}
	Disconnected struct{}

	// PluginLookup answers a peer's request_proof_by_hash. Plugin is nil
	// when the hash is not cached locally.
	PluginLookup struct {
		From, Hash string
		Plugin     json.RawMessage
	}

	ProofFinished struct {
		Hash string
		Err  error
	}
)

func (SendPairRequest) event()    {}
func (CancelPairRequest) event()  {}
func (AcceptPairRequest) event()  {}
func (RejectPairRequest) event()  {}
func (Unpair) event()             {}
func (RequestProof) event()       {}
func (CancelProofRequest) event() {}
func (AcceptProofRequest) event() {}
func (RejectProofRequest) event() {}
func (Received) event()           {}
func (Connected) event()          {}
func (Disconnected) event()       {}
func (PluginLookup) event()       {}
func (ProofFinished) event()      {}

// Effect is an action Reduce asks the engine to perform.
type Effect interface {
	effect()
}

type (
	Send struct{ Msg relay.Message }

	// StartRun launches the prover or verifier side of Run.
	StartRun struct {
		Run      RunningProof
		ClientID string
		Plugin   json.RawMessage
	}

	// FireSignal resolves the one-shot wait for a handshake signal.
	FireSignal struct{ Signal relay.Signal }

	// AbortRun cancels the running proof, if any, and fails its waits.
	AbortRun struct{ Err error }

	// CachePlugin stores a plugin received from the peer.
	CachePlugin struct{ Plugin json.RawMessage }
)

func (Send) effect()        {}
func (StartRun) effect()    {}
func (FireSignal) effect()  {}
func (AbortRun) effect()    {}
func (CachePlugin) effect() {}

// Banner errors returned by Reduce for local commands and kept in
// Session.LastError until the next successful action.
var (
	ErrNotConnected   = errors.New("not connected to a relay")
	ErrAlreadyPaired  = errors.New("already paired, unpair first")
	ErrNotPaired      = errors.New("not paired with a peer")
	ErrNoPairRequest  = errors.New("no such pair request")
	ErrNoProofRequest = errors.New("no such proof request")
	ErrProofRunning   = errors.New("another proof is already running")
	ErrPluginMismatch = errors.New("plugin does not match its hash")
	ErrInvalidPlugin  = errors.New("invalid plugin")
	ErrPeerUnpaired   = errors.New("peer unpaired")
	ErrPeerAbortedRun = errors.New("peer aborted the proof")
	ErrDuplicateProof = errors.New("proof already requested")
	ErrProofCancelled = errors.New("proof request cancelled")
)
