// Package service is the façade UI surfaces talk to. It owns the request
// manager, the peering engine and the relay connection, and pushes their
// state changes to every subscriber.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"notary-mpc/engine"
	"notary-mpc/peering"
	"notary-mpc/relay"
	"notary-mpc/requests"
	"notary-mpc/shared"
	"notary-mpc/storage"
)

var (
	ErrRelayConnected    = errors.New("relay already connected")
	ErrRelayNotConnected = errors.New("relay not connected")
	ErrNoRelayURL        = errors.New("no relay url configured")
)

// Config wires a Service.
type Config struct {
	Store  storage.Store
	Locker *storage.Locker
	MPC    engine.Engine
	Logger *shared.Logger

	Defaults requests.EndpointConfig
	RelayURL string
	// Reconnect keeps the relay client redialing after drops.
	Reconnect bool
	// RequireApproval routes notarize calls and incoming proof requests
	// through an approve/reject decision.
	RequireApproval bool
	// Signer signs attestations for proofs this node verifies.
	Signer *shared.SigningKeyPair
}

// Service dispatches UI calls.
type Service struct {
	cfg       Config
	logger    *shared.Logger
	requests  *requests.Manager
	peering   *peering.Engine
	plugins   *storage.PluginStore
	hosts     *storage.HostStore
	approvals *approvals
	hub       *hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	relayMu sync.Mutex
	relay   *relayConn

	// approval ids of incoming proof requests, by plugin hash
	incomingMu sync.Mutex
	incoming   map[string]string
}

type relayConn struct {
	url    string
	client *relay.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Service {
	logger := shared.OrNop(cfg.Logger)
	if cfg.Locker == nil {
		cfg.Locker = storage.NewLocker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		logger:   logger.Named("service"),
		plugins:  storage.NewPluginStore(cfg.Store),
		hosts:    storage.NewHostStore(cfg.Store, cfg.Locker),
		hub:      newHub(),
		ctx:      ctx,
		cancel:   cancel,
		incoming: make(map[string]string),
	}
	s.approvals = newApprovals(func(pending []Approval) {
		s.hub.publish(Event{Type: EventApprovals, Data: pending})
	})
	s.requests = requests.NewManager(requests.Config{
		Store:    cfg.Store,
		Locker:   cfg.Locker,
		Engine:   cfg.MPC,
		Logger:   logger,
		Defaults: cfg.Defaults,
	})
	s.peering = peering.New(peering.Config{
		MPC:              cfg.MPC,
		Plugins:          s.plugins,
		Hosts:            s.hosts,
		Logger:           logger,
		ProxyURL:         cfg.Defaults.WebsocketProxyURL,
		Signer:           cfg.Signer,
		OnIncomingProof:  s.onIncomingProof,
		OnProofWithdrawn: s.onProofWithdrawn,
		OnResult:         s.onResult,
	})

	updates, stopUpdates := s.requests.Subscribe()
	snapshots, stopSnapshots := s.peering.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stopUpdates()
		defer stopSnapshots()
		for {
			select {
			case u := <-updates:
				s.hub.publish(Event{Type: EventRequest, Data: u})
			case snap := <-snapshots:
				s.hub.publish(Event{Type: EventP2P, Data: snap})
			case <-ctx.Done():
				return
			}
		}
	}()
	return s
}

// Requests returns the request manager.
func (s *Service) Requests() *requests.Manager { return s.requests }

// Peering returns the peering engine.
func (s *Service) Peering() *peering.Engine { return s.peering }

// Close rejects pending approvals, drops the relay connection and stops
// running requests.
func (s *Service) Close() {
	s.approvals.close()
	s.disconnectRelay()
	s.cancel()
	s.wg.Wait()
	s.requests.Close()
	s.hub.close()
}

// Dispatch runs call and returns its result.
func (s *Service) Dispatch(ctx context.Context, call Call) (any, error) {
	logger := s.logger.WithMethod(call.method())
	logger.Debug("Dispatching call")

	switch c := call.(type) {
	case Notarize:
		return s.notarize(ctx, c.Spec)
	case RetryRequest:
		return nil, s.requests.Retry(ctx, c.ID, c.Override)
	case GetRequest:
		r, err := s.requests.Get(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, shared.ErrNotFound
		}
		return r, nil
	case ListRequests:
		return s.requests.List(ctx)
	case DeleteRequest:
		return nil, s.requests.Delete(ctx, c.ID)

	case ConnectRelay:
		return nil, s.connectRelay(c.URL)
	case DisconnectRelay:
		if !s.disconnectRelay() {
			return nil, ErrRelayNotConnected
		}
		return nil, nil
	case P2PSnapshot:
		return s.peering.Snapshot(), nil

	case SendPairRequest:
		return nil, s.peering.SendPairRequest(ctx, c.Target)
	case CancelPairRequest:
		return nil, s.peering.CancelPairRequest(ctx, c.Target)
	case AcceptPairRequest:
		return nil, s.peering.AcceptPairRequest(ctx, c.From)
	case RejectPairRequest:
		return nil, s.peering.RejectPairRequest(ctx, c.From)
	case Unpair:
		return nil, s.peering.Unpair(ctx)
	case RequestProof:
		hash, err := s.peering.RequestProof(ctx, c.Plugin)
		if err != nil {
			return nil, err
		}
		return map[string]string{"hash": hash}, nil
	case CancelProofRequest:
		return nil, s.peering.CancelProofRequest(ctx, c.Hash)
	case AcceptProofRequest:
		return nil, s.peering.AcceptProofRequest(ctx, c.Hash)
	case RejectProofRequest:
		return nil, s.peering.RejectProofRequest(ctx, c.Hash)

	case SetHostHeaders:
		if c.Host == "" {
			return nil, shared.NewValidationError("host", "required")
		}
		return nil, s.hosts.SetHeaders(ctx, c.Host, c.Headers)
	case GetHostHeaders:
		return s.hosts.Headers(ctx, c.Host)
	case SetHostCookies:
		if c.Host == "" {
			return nil, shared.NewValidationError("host", "required")
		}
		return nil, s.hosts.SetCookies(ctx, c.Host, c.Cookies)
	case GetHostCookies:
		return s.hosts.Cookies(ctx, c.Host)

	case AddPlugin:
		if _, err := peering.ParsePlugin(c.Plugin); err != nil {
			return nil, shared.NewValidationError("plugin", err.Error())
		}
		hash, err := s.plugins.Add(ctx, c.Plugin)
		if err != nil {
			return nil, err
		}
		return map[string]string{"hash": hash}, nil
	case GetPlugin:
		blob, err := s.plugins.Get(ctx, c.Hash)
		if err != nil {
			return nil, err
		}
		if blob == nil {
			return nil, shared.ErrNotFound
		}
		return blob, nil
	case ListPlugins:
		return s.plugins.List(ctx)
	case DeletePlugin:
		return nil, s.plugins.Delete(ctx, c.Hash)

	case Approve:
		return nil, s.approvals.approve(c.ID)
	case Reject:
		return nil, s.approvals.reject(c.ID)
	case ListApprovals:
		return s.approvals.list(), nil
	}
	return nil, shared.NewProtocolError(call.method(), "unhandled call", nil)
}

func (s *Service) notarize(ctx context.Context, spec requests.Spec) (any, error) {
	if host := spec.ServerName(); host != "" {
		headers, err := s.hosts.Headers(ctx, host)
		if err != nil {
			return nil, err
		}
		cookies, err := s.hosts.Cookies(ctx, host)
		if err != nil {
			return nil, err
		}
		spec = spec.WithCredentials(headers, cookies)
	}

	if s.cfg.RequireApproval {
		p, err := s.approvals.open(ApprovalNotarize, map[string]string{"url": spec.URL, "method": spec.Method})
		if err != nil {
			return nil, err
		}
		if err := s.approvals.wait(ctx, p); err != nil {
			return nil, err
		}
	}

	id, err := s.requests.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func (s *Service) connectRelay(url string) error {
	if url == "" {
		url = s.cfg.RelayURL
	}
	if url == "" {
		return ErrNoRelayURL
	}

	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	if s.relay != nil {
		return ErrRelayConnected
	}

	client := relay.NewClient(relay.ClientConfig{URL: url, Logger: s.logger, Reconnect: s.cfg.Reconnect})
	ctx, cancel := context.WithCancel(s.ctx)
	conn := &relayConn{url: url, client: client, cancel: cancel, done: make(chan struct{})}
	s.relay = conn

	go func() {
		if err := client.Run(ctx); err != nil {
			s.logger.Warn("Relay client stopped", zap.String("url", url), zap.Error(err))
			s.hub.publish(Event{Type: EventError, Data: fmt.Sprintf("relay: %v", err)})
		}
	}()
	go func() {
		defer close(conn.done)
		s.peering.Run(ctx, client, url)
		cancel()

		s.relayMu.Lock()
		if s.relay == conn {
			s.relay = nil
		}
		s.relayMu.Unlock()
	}()
	return nil
}

// disconnectRelay reports whether a relay connection was open.
func (s *Service) disconnectRelay() bool {
	s.relayMu.Lock()
	conn := s.relay
	s.relay = nil
	s.relayMu.Unlock()
	if conn == nil {
		return false
	}
	conn.client.Close()
	conn.cancel()
	<-conn.done
	return true
}

func (s *Service) onIncomingProof(req peering.ProofRequest) {
	if !s.cfg.RequireApproval {
		return
	}
	p, err := s.approvals.open(ApprovalIncomingProof, req)
	if err != nil {
		return
	}
	s.incomingMu.Lock()
	s.incoming[req.Hash] = p.ID
	s.incomingMu.Unlock()
	// the request may have left before it was registered here
	if !hasIncoming(s.peering.Snapshot(), req.Hash) {
		s.onProofWithdrawn(req.Hash)
	}

	decision := s.approvals.wait(s.ctx, p)
	s.incomingMu.Lock()
	if s.incoming[req.Hash] == p.ID {
		delete(s.incoming, req.Hash)
	}
	s.incomingMu.Unlock()
	if errors.Is(decision, errApprovalWithdrawn) {
		return
	}

	ctx := context.WithoutCancel(s.ctx)
	if decision == nil {
		err = s.peering.AcceptProofRequest(ctx, req.Hash)
	} else {
		err = s.peering.RejectProofRequest(ctx, req.Hash)
	}
	if err != nil {
		s.logger.WithPeer(req.Peer).Warn("Failed to answer proof request", zap.String("plugin_hash", req.Hash), zap.Error(err))
	}
}

// onProofWithdrawn drops the pending approval for an incoming proof request
// that was cancelled, unpaired or lost with the relay.
func (s *Service) onProofWithdrawn(hash string) {
	s.incomingMu.Lock()
	id, ok := s.incoming[hash]
	delete(s.incoming, hash)
	s.incomingMu.Unlock()
	if !ok {
		return
	}
	if s.approvals.withdraw(id) == nil {
		s.logger.Info("Withdrew approval for cancelled proof request", zap.String("plugin_hash", hash))
	}
}

func hasIncoming(snap peering.Snapshot, hash string) bool {
	for _, req := range snap.IncomingProofs {
		if req.Hash == hash {
			return true
		}
	}
	return false
}

func (s *Service) onResult(r peering.Result) {
	s.hub.publish(Event{Type: EventProofResult, Data: r})
	if r.Error != "" {
		return
	}

	var res engine.VerifyResult
	switch {
	case r.Role == peering.RoleVerifier && r.Verification != nil:
		res = *r.Verification
	case r.Role == peering.RoleProver && r.Attestation != nil:
		c := r.Attestation.Claim
		res = engine.VerifyResult{ServerName: c.ServerName, Sent: c.Sent, Recv: c.Recv, VerifiedAt: c.VerifiedAt}
	default:
		return
	}

	id, err := s.requests.RecordVerification(context.WithoutCancel(s.ctx), r.Spec, res, r.Attestation)
	if err != nil {
		s.logger.WithPeer(r.Peer).Error("Failed to record verification", zap.Error(err))
		return
	}
	s.logger.WithRequest(id).Info("Recorded peer proof", zap.String("plugin_hash", r.Hash), zap.String("role", string(r.Role)))
}
