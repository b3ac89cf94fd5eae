// Package peering runs the P2P side of notarization: pairing with one peer
// over the relay and negotiating proof requests keyed by plugin hash. State
// lives in a Session that is only touched by the engine's event loop.
package peering

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// PairState is the pairing state toward one peer.
type PairState int

const (
	PairUnpaired PairState = iota
	PairOutgoingSent
	PairIncomingReceived
	PairPaired
)

func (s PairState) String() string {
	switch s {
	case PairUnpaired:
		return "unpaired"
	case PairOutgoingSent:
		return "outgoing_sent"
	case PairIncomingReceived:
		return "incoming_received"
	case PairPaired:
		return "paired"
	default:
		return fmt.Sprintf("PairState(%d)", int(s))
	}
}

// ProofState is the state of one proof request.
type ProofState int

const (
	ProofIdle ProofState = iota
	ProofOutgoingSent
	ProofIncomingReceived
	ProofRunning
)

func (s ProofState) String() string {
	switch s {
	case ProofIdle:
		return "idle"
	case ProofOutgoingSent:
		return "outgoing_sent"
	case ProofIncomingReceived:
		return "incoming_received"
	case ProofRunning:
		return "running"
	default:
		return fmt.Sprintf("ProofState(%d)", int(s))
	}
}

// Role is the MPC-TLS side a client plays in a running proof.
type Role string

const (
	RoleProver   Role = "prover"
	RoleVerifier Role = "verifier"
)

// ProofRequest is a pending proof request.
type ProofRequest struct {
	Hash       string          `json:"hash"`
	Peer       string          `json:"peer"`
	Plugin     json.RawMessage `json:"plugin,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// RunningProof is the proof currently executing.
type RunningProof struct {
	Hash      string    `json:"hash"`
	Peer      string    `json:"peer"`
	Role      Role      `json:"role"`
	StartedAt time.Time `json:"startedAt"`
}

// Session is the state of one relay connection.
type Session struct {
	Connected      bool
	ClientID       string
	PairedPeer     string
	IncomingPairs  map[string]bool
	OutgoingPairs  map[string]bool
	IncomingProofs map[string]ProofRequest
	OutgoingProofs map[string]ProofRequest
	Running        *RunningProof
	LastError      string
}

func NewSession() *Session {
	s := &Session{}
	s.Reset()
	return s
}

// Reset returns the session to its initial, disconnected state.
func (s *Session) Reset() {
	*s = Session{
		IncomingPairs:  make(map[string]bool),
		OutgoingPairs:  make(map[string]bool),
		IncomingProofs: make(map[string]ProofRequest),
		OutgoingProofs: make(map[string]ProofRequest),
	}
}

func (s *Session) clearProofs() {
	s.IncomingProofs = make(map[string]ProofRequest)
	s.OutgoingProofs = make(map[string]ProofRequest)
	s.Running = nil
}

// PairState returns the pairing state toward peer.
func (s *Session) PairState(peer string) PairState {
	switch {
	case peer != "" && s.PairedPeer == peer:
		return PairPaired
	case s.IncomingPairs[peer]:
		return PairIncomingReceived
	case s.OutgoingPairs[peer]:
		return PairOutgoingSent
	default:
		return PairUnpaired
	}
}

// ProofState returns the state of the proof request for hash.
func (s *Session) ProofState(hash string) ProofState {
	if s.Running != nil && s.Running.Hash == hash {
		return ProofRunning
	}
	if _, ok := s.IncomingProofs[hash]; ok {
		return ProofIncomingReceived
	}
	if _, ok := s.OutgoingProofs[hash]; ok {
		return ProofOutgoingSent
	}
	return ProofIdle
}

// Snapshot is a read-only copy of a Session for UI surfaces.
type Snapshot struct {
	Connected      bool           `json:"connected"`
	ClientID       string         `json:"clientId,omitempty"`
	PairedPeer     string         `json:"pairedPeer,omitempty"`
	IncomingPairs  []string       `json:"incomingPairs"`
	OutgoingPairs  []string       `json:"outgoingPairs"`
	IncomingProofs []ProofRequest `json:"incomingProofs"`
	OutgoingProofs []ProofRequest `json:"outgoingProofs"`
	Running        *RunningProof  `json:"running,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Connected:      s.Connected,
		ClientID:       s.ClientID,
		PairedPeer:     s.PairedPeer,
		IncomingPairs:  sortedKeys(s.IncomingPairs),
		OutgoingPairs:  sortedKeys(s.OutgoingPairs),
		IncomingProofs: sortedProofs(s.IncomingProofs),
		OutgoingProofs: sortedProofs(s.OutgoingProofs),
		LastError:      s.LastError,
	}
	if s.Running != nil {
		r := *s.Running
		snap.Running = &r
	}
	return snap
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedProofs(m map[string]ProofRequest) []ProofRequest {
	out := make([]ProofRequest, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}
