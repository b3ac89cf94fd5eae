package peering

import (
	"fmt"
	"time"

	"notary-mpc/relay"
	"notary-mpc/shared"
)

var now = time.Now

func send(method string, params any) Effect {
	return Send{Msg: relay.MustMessage(method, params)}
}

// Reduce applies ev to s and returns the effects to perform. Errors are
// banner errors for local commands; they are also stored in s.LastError.
// Inbound messages that do not fit the current state are ignored.
func Reduce(s *Session, ev Event) ([]Effect, error) {
	effects, err := reduce(s, ev)
	if isCommand(ev) {
		if err != nil {
			s.LastError = err.Error()
		} else if len(effects) > 0 {
			s.LastError = ""
		}
	}
	return effects, err
}

func isCommand(ev Event) bool {
	switch ev.(type) {
	case SendPairRequest, CancelPairRequest, AcceptPairRequest, RejectPairRequest, Unpair,
		RequestProof, CancelProofRequest, AcceptProofRequest, RejectProofRequest:
		return true
	}
	return false
}

func reduce(s *Session, ev Event) ([]Effect, error) {
	switch ev := ev.(type) {
	case Connected:
		s.Connected = true
		return nil, nil

	case Disconnected:
		s.Reset()
		return []Effect{AbortRun{Err: shared.ErrConnectionLost}}, nil

	case Received:
		return receive(s, ev.Msg)

	case PluginLookup:
		if ev.From != s.PairedPeer {
			return nil, nil
		}
		if ev.Plugin == nil {
			return []Effect{send(relay.MethodRequestProofByHashFailed, relay.ProofParams{Target: ev.From, PluginHash: ev.Hash})}, nil
		}
		return incomingProof(s, ev.From, ev.Hash, ev.Plugin)

	case ProofFinished:
		if s.Running == nil || s.Running.Hash != ev.Hash {
			return nil, nil
		}
		s.Running = nil
		if ev.Err != nil {
			s.LastError = ev.Err.Error()
		}
		return nil, nil
	}

	if s.ClientID == "" {
		return nil, ErrNotConnected
	}
	return applyCommand(s, ev)
}

func applyCommand(s *Session, ev Event) ([]Effect, error) {
	switch ev := ev.(type) {
	case SendPairRequest:
		if ev.Target == "" || ev.Target == s.ClientID {
			return nil, nil
		}
		if s.PairedPeer != "" {
			return nil, ErrAlreadyPaired
		}
		if s.OutgoingPairs[ev.Target] {
			return nil, nil
		}
		s.OutgoingPairs[ev.Target] = true
		return []Effect{send(relay.MethodPairRequest, relay.PeerParams{Target: ev.Target})}, nil

	case CancelPairRequest:
		if ev.Target == s.ClientID {
			return nil, nil
		}
		if !s.OutgoingPairs[ev.Target] {
			return nil, ErrNoPairRequest
		}
		delete(s.OutgoingPairs, ev.Target)
		return []Effect{send(relay.MethodPairRequestCancel, relay.PeerParams{Target: ev.Target})}, nil

	case AcceptPairRequest:
		if ev.From == s.ClientID {
			return nil, nil
		}
		if !s.IncomingPairs[ev.From] {
			return nil, ErrNoPairRequest
		}
		if s.PairedPeer != "" {
			return nil, ErrAlreadyPaired
		}
		delete(s.IncomingPairs, ev.From)
		effects := []Effect{send(relay.MethodPairRequestAccept, relay.PeerParams{Target: ev.From})}
		return append(effects, becomePaired(s, ev.From)...), nil

	case RejectPairRequest:
		if ev.From == s.ClientID {
			return nil, nil
		}
		if !s.IncomingPairs[ev.From] {
			return nil, ErrNoPairRequest
		}
		delete(s.IncomingPairs, ev.From)
		return []Effect{send(relay.MethodPairRequestReject, relay.PeerParams{Target: ev.From})}, nil

	case Unpair:
		if s.PairedPeer == "" {
			return nil, ErrNotPaired
		}
		peer := s.PairedPeer
		s.PairedPeer = ""
		s.clearProofs()
		return []Effect{
			AbortRun{Err: ErrPeerUnpaired},
			send(relay.MethodUnpair, relay.PeerParams{Target: peer}),
		}, nil

	case RequestProof:
		if s.PairedPeer == "" {
			return nil, ErrNotPaired
		}
		if _, ok := s.OutgoingProofs[ev.Hash]; ok || s.ProofState(ev.Hash) == ProofRunning {
			return nil, ErrDuplicateProof
		}
		if err := checkPlugin(ev.Hash, ev.Plugin); err != nil {
			return nil, err
		}
		s.OutgoingProofs[ev.Hash] = ProofRequest{Hash: ev.Hash, Peer: s.PairedPeer, Plugin: ev.Plugin, ReceivedAt: now()}
		return []Effect{send(relay.MethodRequestProofByHash, relay.ProofParams{Target: s.PairedPeer, PluginHash: ev.Hash})}, nil

	case CancelProofRequest:
		req, ok := s.OutgoingProofs[ev.Hash]
		if !ok {
			return nil, ErrNoProofRequest
		}
		delete(s.OutgoingProofs, ev.Hash)
		return []Effect{send(relay.MethodProofRequestCancel, relay.ProofParams{Target: req.Peer, PluginHash: ev.Hash})}, nil

	case RejectProofRequest:
		req, ok := s.IncomingProofs[ev.Hash]
		if !ok {
			return nil, ErrNoProofRequest
		}
		delete(s.IncomingProofs, ev.Hash)
		return []Effect{send(relay.MethodProofRequestReject, relay.ProofParams{Target: req.Peer, PluginHash: ev.Hash})}, nil

	case AcceptProofRequest:
		req, ok := s.IncomingProofs[ev.Hash]
		if !ok {
			return nil, ErrNoProofRequest
		}
		if s.Running != nil {
			return nil, ErrProofRunning
		}
		delete(s.IncomingProofs, ev.Hash)
		s.Running = &RunningProof{Hash: ev.Hash, Peer: req.Peer, Role: RoleVerifier, StartedAt: now()}
		return []Effect{
			send(relay.MethodProofRequestAccept, relay.ProofParams{Target: req.Peer, PluginHash: ev.Hash}),
			StartRun{Run: *s.Running, ClientID: s.ClientID, Plugin: req.Plugin},
		}, nil
	}
	return nil, fmt.Errorf("unhandled event %T", ev)
}

// becomePaired records peer as the paired peer and withdraws every other
// pending pair request in both directions.
func becomePaired(s *Session, peer string) []Effect {
	var effects []Effect
	for _, target := range sortedKeys(s.OutgoingPairs) {
		if target != peer {
			effects = append(effects, send(relay.MethodPairRequestCancel, relay.PeerParams{Target: target}))
		}
	}
	for _, from := range sortedKeys(s.IncomingPairs) {
		if from != peer {
			effects = append(effects, send(relay.MethodPairRequestReject, relay.PeerParams{Target: from}))
		}
	}
	s.PairedPeer = peer
	s.IncomingPairs = make(map[string]bool)
	s.OutgoingPairs = make(map[string]bool)
	s.clearProofs()
	return effects
}

func incomingProof(s *Session, from, hash string, plugin []byte) ([]Effect, error) {
	if s.ProofState(hash) != ProofIdle {
		return nil, nil
	}
	if err := checkPlugin(hash, plugin); err != nil {
		s.LastError = fmt.Sprintf("rejected proof request from %s: %v", from, err)
		return []Effect{send(relay.MethodProofRequestReject, relay.ProofParams{Target: from, PluginHash: hash})}, nil
	}
	s.IncomingProofs[hash] = ProofRequest{Hash: hash, Peer: from, Plugin: plugin, ReceivedAt: now()}
	return []Effect{CachePlugin{Plugin: plugin}}, nil
}

func receive(s *Session, msg relay.Inbound) ([]Effect, error) {
	switch m := msg.(type) {
	case relay.ClientConnect:
		s.Reset()
		s.Connected = true
		s.ClientID = m.ClientID
		return nil, nil

	case relay.RelayError:
		s.LastError = m.Message
		return nil, nil
	}

	if s.ClientID == "" {
		return nil, nil
	}

	switch m := msg.(type) {
	case relay.PairRequest:
		if m.From == s.ClientID || s.PairedPeer == m.From {
			return nil, nil
		}
		if s.PairedPeer != "" {
			return []Effect{send(relay.MethodPairRequestReject, relay.PeerParams{Target: m.From})}, nil
		}
		s.IncomingPairs[m.From] = true

	case relay.PairSent:
		// acknowledgement only

	case relay.PairCancelled:
		delete(s.IncomingPairs, m.From)

	case relay.PairRejected:
		delete(s.OutgoingPairs, m.From)

	case relay.PairSuccess:
		if s.PairedPeer == m.Peer || !s.OutgoingPairs[m.Peer] || s.PairedPeer != "" {
			return nil, nil
		}
		s.LastError = ""
		return becomePaired(s, m.Peer), nil

	case relay.Unpaired:
		if m.From != s.PairedPeer {
			return nil, nil
		}
		s.PairedPeer = ""
		wasRunning := s.Running != nil
		s.clearProofs()
		if wasRunning {
			return []Effect{AbortRun{Err: ErrPeerUnpaired}}, nil
		}

	case relay.ProofRequested:
		if m.From != s.PairedPeer {
			return nil, nil
		}
		return incomingProof(s, m.From, m.Hash, m.Plugin)

	case relay.ProofByHashFailed:
		req, ok := s.OutgoingProofs[m.Hash]
		if !ok || m.From != s.PairedPeer {
			return nil, nil
		}
		return []Effect{send(relay.MethodRequestProof, relay.ProofParams{Target: m.From, PluginHash: m.Hash, Plugin: req.Plugin})}, nil

	case relay.ProofCancelled:
		if req, ok := s.IncomingProofs[m.Hash]; ok && req.Peer == m.From {
			delete(s.IncomingProofs, m.Hash)
		}
		// the requester cancelled after this side had already accepted
		if s.Running != nil && s.Running.Hash == m.Hash && s.Running.Peer == m.From {
			s.Running = nil
			return []Effect{AbortRun{Err: ErrProofCancelled}}, nil
		}

	case relay.ProofRejected:
		if req, ok := s.OutgoingProofs[m.Hash]; ok && req.Peer == m.From {
			delete(s.OutgoingProofs, m.Hash)
		}

	case relay.ProofAccepted:
		req, ok := s.OutgoingProofs[m.Hash]
		if !ok || req.Peer != m.From {
			// cancelled before the accept arrived; the peer's run must not
			// wait for a prover that will never start
			if m.From == s.PairedPeer && s.ProofState(m.Hash) != ProofRunning {
				return []Effect{send(relay.MethodProofRequestEnd, relay.SignalParams{
					Target: m.From, PluginHash: m.Hash, Error: ErrProofCancelled.Error(),
				})}, nil
			}
			return nil, nil
		}
		if s.Running != nil {
			return []Effect{send(relay.MethodProofRequestEnd, relay.SignalParams{
				Target: m.From, PluginHash: m.Hash, Error: ErrProofRunning.Error(),
			})}, nil
		}
		delete(s.OutgoingProofs, m.Hash)
		s.Running = &RunningProof{Hash: m.Hash, Peer: m.From, Role: RoleProver, StartedAt: now()}
		return []Effect{StartRun{Run: *s.Running, ClientID: s.ClientID, Plugin: req.Plugin}}, nil

	case relay.Signal:
		if s.Running == nil || s.Running.Hash != m.Hash || s.Running.Peer != m.From {
			return nil, nil
		}
		effects := []Effect{FireSignal{Signal: m}}
		if m.Method == relay.MethodProofRequestEnd && m.Error != "" {
			effects = append(effects, AbortRun{Err: fmt.Errorf("%w: %s", ErrPeerAbortedRun, m.Error)})
		}
		return effects, nil

	case relay.ProofByHash:
		// resolved by the engine into a PluginLookup
	}
	return nil, nil
}
