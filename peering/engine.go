package peering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"notary-mpc/engine"
	"notary-mpc/relay"
	"notary-mpc/requests"
	"notary-mpc/shared"
	"notary-mpc/storage"
)

const (
	DefaultMaxFaults = 20
	snapshotBuffer   = 16
)

// Transport is the relay connection the engine drives. *relay.Client
// satisfies it.
type Transport interface {
	Send(msg relay.Message) error
	Events() <-chan relay.Event
}

var _ Transport = (*relay.Client)(nil)

// Result describes a finished proof run.
type Result struct {
	Hash         string               `json:"hash"`
	Peer         string               `json:"peer"`
	Role         Role                 `json:"role"`
	Spec         requests.Spec        `json:"spec"`
	Verification *engine.VerifyResult `json:"verification,omitempty"`
	Attestation  *shared.Attestation  `json:"attestation,omitempty"`
	Error        string               `json:"error,omitempty"`
	FinishedAt   time.Time            `json:"finishedAt"`
}

// Config wires an Engine to its collaborators. Plugins and Hosts are
// optional.
type Config struct {
	MPC      engine.Engine
	Plugins  *storage.PluginStore
	Hosts    *storage.HostStore
	Logger   *shared.Logger
	ProxyURL string
	// Signer, when set, signs an attestation for every proof this side
	// verifies.
	Signer *shared.SigningKeyPair

	// OnIncomingProof, OnProofWithdrawn and OnResult are called on their
	// own goroutine. OnProofWithdrawn gets the hash of an incoming request
	// that left the session without a local accept or reject: cancelled by
	// the requester, dropped by an unpair or lost with the relay. It is
	// called after the snapshot without that request is published.
	OnIncomingProof  func(ProofRequest)
	OnProofWithdrawn func(hash string)
	OnResult         func(Result)

	MaxFaults int
}

// Engine owns the PeerSession of the current relay connection. All session
// changes happen on the goroutine running Run.
type Engine struct {
	cfg     Config
	logger  *shared.Logger
	faults  *shared.FaultReporter
	signals *signals

	mu       sync.Mutex
	loop     *loop
	snapshot Snapshot
	subs     map[int]chan Snapshot
	nextSub  int

	runMu     sync.Mutex
	runCancel context.CancelCauseFunc
	runWG     sync.WaitGroup
}

type command struct {
	ev    Event
	reply chan error
}

// loop is the state of one Run.
type loop struct {
	ctx      context.Context
	t        Transport
	relayURL string
	session  *Session
	commands chan command
	internal chan Event
	done     chan struct{}
}

func New(cfg Config) *Engine {
	logger := shared.OrNop(cfg.Logger).Named("peering")
	if cfg.MaxFaults == 0 {
		cfg.MaxFaults = DefaultMaxFaults
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		faults:   shared.NewFaultReporter(logger, cfg.MaxFaults),
		signals:  newSignals(),
		snapshot: NewSession().Snapshot(),
		subs:     make(map[int]chan Snapshot),
	}
}

// Run drives the session over t until its event stream ends or ctx is
// cancelled. relayURL is used to derive proof pipe addresses. Only one Run
// may be active at a time.
func (e *Engine) Run(ctx context.Context, t Transport, relayURL string) error {
	ctx, cancel := context.WithCancel(ctx)
	l := &loop{
		ctx:      ctx,
		t:        t,
		relayURL: relayURL,
		session:  NewSession(),
		commands: make(chan command),
		internal: make(chan Event, 8),
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	if e.loop != nil {
		e.mu.Unlock()
		cancel()
		return errors.New("peering: engine already running")
	}
	e.loop = l
	e.mu.Unlock()

	defer func() {
		e.apply(l, Disconnected{})
		cancel()
		e.runWG.Wait()
		e.mu.Lock()
		e.loop = nil
		e.mu.Unlock()
		close(l.done)
	}()

	for {
		select {
		case ev, ok := <-t.Events():
			if !ok {
				return nil
			}
			e.handleTransport(l, ev)
		case cmd := <-l.commands:
			cmd.reply <- e.apply(l, cmd.ev)
		case ev := <-l.internal:
			e.apply(l, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) handleTransport(l *loop, ev relay.Event) {
	if ev.Message == nil {
		switch ev.State {
		case relay.StateConnected:
			e.apply(l, Connected{})
		case relay.StateDisconnected:
			e.apply(l, Disconnected{})
		}
		return
	}

	inbound, err := relay.Decode(*ev.Message)
	if err != nil {
		reason := shared.ReasonMissingParams
		if errors.Is(err, relay.ErrUnknownMethod) {
			reason = shared.ReasonUnknownMethod
		}
		e.faults.Report(l.session.ClientID, reason, err, zap.String("method", ev.Message.Method))
		return
	}

	if m, ok := inbound.(relay.ProofByHash); ok {
		lookup := PluginLookup{From: m.From, Hash: m.Hash}
		if e.cfg.Plugins != nil {
			plugin, err := e.cfg.Plugins.Get(l.ctx, m.Hash)
			if err != nil {
				e.logger.Warn("Plugin lookup failed", zap.String("plugin_hash", m.Hash), zap.Error(err))
			}
			lookup.Plugin = plugin
		}
		e.apply(l, lookup)
		return
	}
	e.apply(l, Received{Msg: inbound})
}

// apply reduces ev, performs the effects and publishes the new snapshot.
func (e *Engine) apply(l *loop, ev Event) error {
	before := incomingHashes(l.session)
	effects, err := Reduce(l.session, ev)
	for _, eff := range effects {
		e.perform(l, eff)
	}
	e.publish(l.session.Snapshot())

	if e.cfg.OnIncomingProof != nil {
		for hash, req := range l.session.IncomingProofs {
			if !before[hash] {
				go e.cfg.OnIncomingProof(req)
			}
		}
	}
	if e.cfg.OnProofWithdrawn != nil && !answersIncoming(ev) {
		for hash := range before {
			if _, ok := l.session.IncomingProofs[hash]; !ok {
				go e.cfg.OnProofWithdrawn(hash)
			}
		}
	}
	return err
}

// answersIncoming reports whether ev is a local decision on an incoming
// proof request.
func answersIncoming(ev Event) bool {
	switch ev.(type) {
	case AcceptProofRequest, RejectProofRequest:
		return true
	}
	return false
}

func incomingHashes(s *Session) map[string]bool {
	m := make(map[string]bool, len(s.IncomingProofs))
	for hash := range s.IncomingProofs {
		m[hash] = true
	}
	return m
}

func (e *Engine) perform(l *loop, eff Effect) {
	switch eff := eff.(type) {
	case Send:
		if err := l.t.Send(eff.Msg); err != nil {
			e.logger.WithMethod(eff.Msg.Method).Warn("Failed to send relay message", zap.Error(err))
			l.session.LastError = fmt.Sprintf("failed to send %s: %v", eff.Msg.Method, err)
		}
	case StartRun:
		e.startRun(l, eff)
	case FireSignal:
		e.signals.Fire(eff.Signal)
	case AbortRun:
		e.abortRun(eff.Err)
	case CachePlugin:
		if e.cfg.Plugins != nil {
			if _, err := e.cfg.Plugins.Add(l.ctx, eff.Plugin); err != nil {
				e.logger.Warn("Failed to cache plugin", zap.Error(err))
			}
		}
	}
}

func (e *Engine) abortRun(err error) {
	e.runMu.Lock()
	if e.runCancel != nil {
		e.runCancel(err)
	}
	e.runMu.Unlock()
	e.signals.FailAll(err)
}

func (e *Engine) publish(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshot = snap
	for _, ch := range e.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Snapshot returns the latest published session state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// Subscribe returns a channel of snapshots published after every change.
// Slow subscribers miss snapshots.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, snapshotBuffer)
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
}

// Do hands ev to the event loop and returns its banner error, if any.
func (e *Engine) Do(ctx context.Context, ev Event) error {
	e.mu.Lock()
	l := e.loop
	e.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	cmd := command{ev: ev, reply: make(chan error, 1)}
	select {
	case l.commands <- cmd:
	case <-l.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) SendPairRequest(ctx context.Context, target string) error {
	return e.Do(ctx, SendPairRequest{Target: target})
}

func (e *Engine) CancelPairRequest(ctx context.Context, target string) error {
	return e.Do(ctx, CancelPairRequest{Target: target})
}

func (e *Engine) AcceptPairRequest(ctx context.Context, from string) error {
	return e.Do(ctx, AcceptPairRequest{From: from})
}

func (e *Engine) RejectPairRequest(ctx context.Context, from string) error {
	return e.Do(ctx, RejectPairRequest{From: from})
}

func (e *Engine) Unpair(ctx context.Context) error {
	return e.Do(ctx, Unpair{})
}

// RequestProof validates plugin, caches it and asks the paired peer to
// verify a proof of it. It returns the plugin hash.
func (e *Engine) RequestProof(ctx context.Context, plugin json.RawMessage) (string, error) {
	if _, err := ParsePlugin(plugin); err != nil {
		return "", err
	}
	hash, err := storage.PluginHash(plugin)
	if err != nil {
		return "", err
	}
	if e.cfg.Plugins != nil {
		if _, err := e.cfg.Plugins.Add(ctx, plugin); err != nil {
			return "", fmt.Errorf("failed to cache plugin: %w", err)
		}
	}
	return hash, e.Do(ctx, RequestProof{Hash: hash, Plugin: plugin})
}

func (e *Engine) CancelProofRequest(ctx context.Context, hash string) error {
	return e.Do(ctx, CancelProofRequest{Hash: hash})
}

func (e *Engine) AcceptProofRequest(ctx context.Context, hash string) error {
	return e.Do(ctx, AcceptProofRequest{Hash: hash})
}

func (e *Engine) RejectProofRequest(ctx context.Context, hash string) error {
	return e.Do(ctx, RejectProofRequest{Hash: hash})
}
