package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"notary-mpc/engine"
	"notary-mpc/redaction"
	"notary-mpc/shared"
	"notary-mpc/storage"
)

const (
	Namespace = "requests"

	DefaultMaxSentData = 4096
	DefaultMaxRecvData = 16384

	subscriberBuffer = 32
)

var (
	// ErrNotFound is returned by Retry for an unknown request id.
	ErrNotFound = shared.ErrNotFound
	// ErrNotRetryable is returned by Retry when the request has not failed.
	ErrNotRetryable = errors.New("request is not in error state")

	errGone = errors.New("request gone")
)

// Config wires a Manager to its collaborators.
type Config struct {
	Store    storage.Store
	Locker   *storage.Locker
	Engine   engine.Engine
	Logger   *shared.Logger
	Defaults EndpointConfig
	Now      func() time.Time
}

// Manager owns the lifecycle of notarization requests.
type Manager struct {
	store    storage.Store
	locker   *storage.Locker
	engine   engine.Engine
	logger   *shared.Logger
	defaults EndpointConfig
	now      func() time.Time

	idMu   sync.Mutex
	lastID int64

	runCtx    context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	runMu   sync.Mutex
	running map[string]*run

	subMu       sync.RWMutex
	subscribers map[int]chan Update
	nextSub     int
}

func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Locker == nil {
		cfg.Locker = storage.NewLocker()
	}
	if cfg.Defaults.MaxSentData == 0 {
		cfg.Defaults.MaxSentData = DefaultMaxSentData
	}
	if cfg.Defaults.MaxRecvData == 0 {
		cfg.Defaults.MaxRecvData = DefaultMaxRecvData
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:       cfg.Store.Sub(Namespace),
		locker:      cfg.Locker,
		engine:      cfg.Engine,
		logger:      shared.OrNop(cfg.Logger).Named("requests"),
		defaults:    cfg.Defaults,
		now:         cfg.Now,
		runCtx:      ctx,
		cancelAll:   cancel,
		running:     make(map[string]*run),
		subscribers: make(map[int]chan Update),
	}
}

// Close cancels in-flight engine runs and waits for them to record their
// outcome.
func (m *Manager) Close() {
	m.cancelAll()
	m.wg.Wait()
}

// newID returns a zero-padded nanosecond timestamp, so ids sort in creation
// order. Ids minted in the same nanosecond are bumped to stay unique.
func (m *Manager) newID() string {
	m.idMu.Lock()
	defer m.idMu.Unlock()

	n := m.now().UnixNano()
	if n <= m.lastID {
		n = m.lastID + 1
	}
	m.lastID = n
	return fmt.Sprintf("%020d", n)
}

func lockKey(id string) string { return Namespace + "/" + id }

// validID reports whether id could name a stored request. Anything else is
// simply not found.
func validID(id string) bool {
	return storage.ValidateKey(id) == nil
}

// update applies fn to the stored record under its lock, then broadcasts
// the result. A missing record yields errGone without writing.
func (m *Manager) update(ctx context.Context, id string, fn func(r *Request) error) (Request, error) {
	var out Request
	if !validID(id) {
		return Request{}, errGone
	}
	err := storage.UpdateJSON(ctx, m.store, m.locker, lockKey(id), id, func(r *Request, found bool) error {
		if !found {
			return errGone
		}
		if err := fn(r); err != nil {
			return err
		}
		r.UpdatedAt = m.now()
		out = *r
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	m.broadcast(Update{Request: out})
	return out, nil
}

// Start persists a pending request and launches the engine run. It returns
// as soon as the record is stored.
func (m *Manager) Start(ctx context.Context, spec Spec) (string, error) {
	spec = m.withDefaults(spec)
	if err := ValidateSpec(spec); err != nil {
		return "", err
	}

	now := m.now()
	req := Request{
		ID:        m.newID(),
		Spec:      spec,
		Status:    StatusPending,
		Progress:  ProgressCreatingProver,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := m.locker.RunExclusive(ctx, lockKey(req.ID), func() error {
		return storage.PutJSON(ctx, m.store, req.ID, &req)
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist request: %w", err)
	}

	m.logger.WithRequest(req.ID).Info("Notarization request started",
		zap.String("url", spec.URL), zap.String("method", spec.Method))
	m.broadcast(Update{Request: req})
	m.launch(req.ID, spec)
	return req.ID, nil
}

func (m *Manager) withDefaults(spec Spec) Spec {
	if spec.Method == "" {
		spec.Method = "GET"
	}
	if spec.NotaryURL == "" {
		spec.NotaryURL = m.defaults.NotaryURL
	}
	if spec.WebsocketProxyURL == "" {
		spec.WebsocketProxyURL = m.defaults.WebsocketProxyURL
	}
	if spec.MaxSentData == 0 {
		spec.MaxSentData = m.defaults.MaxSentData
	}
	if spec.MaxRecvData == 0 {
		spec.MaxRecvData = m.defaults.MaxRecvData
	}
	return spec
}

// Advance records progress. It is a no-op when the request was deleted or
// is no longer pending, and progress never moves backwards.
func (m *Manager) Advance(ctx context.Context, id string, p Progress) error {
	_, err := m.update(ctx, id, func(r *Request) error {
		if r.Status != StatusPending || p <= r.Progress {
			return errGone
		}
		r.Progress = p
		return nil
	})
	if errors.Is(err, errGone) {
		return nil
	}
	return err
}

// Complete marks a pending request successful and attaches the proof. It is
// a no-op for any other status.
func (m *Manager) Complete(ctx context.Context, id string, proof []byte) error {
	_, err := m.update(ctx, id, func(r *Request) error {
		if r.Status != StatusPending {
			return errGone
		}
		r.Status = StatusSuccess
		r.Proof = proof
		r.Error = ""
		return nil
	})
	if errors.Is(err, errGone) {
		return nil
	}
	if err == nil {
		m.logger.WithRequest(id).Info("Notarization request completed", zap.Int("proof_bytes", len(proof)))
	}
	return err
}

// Fail marks a pending request failed. Progress stays where it stopped. It
// is a no-op for any other status.
func (m *Manager) Fail(ctx context.Context, id string, cause error) error {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	_, err := m.update(ctx, id, func(r *Request) error {
		if r.Status != StatusPending {
			return errGone
		}
		r.Status = StatusError
		r.Error = cause.Error()
		return nil
	})
	if errors.Is(err, errGone) {
		return nil
	}
	if err == nil {
		m.logger.WithRequest(id).Warn("Notarization request failed", zap.Error(cause))
	}
	return err
}

// Retry re-runs a failed request, optionally with new endpoints.
func (m *Manager) Retry(ctx context.Context, id string, cfg *EndpointConfig) error {
	var spec Spec
	_, err := m.update(ctx, id, func(r *Request) error {
		if r.Status != StatusError {
			return ErrNotRetryable
		}
		if cfg != nil {
			if cfg.NotaryURL != "" {
				r.NotaryURL = cfg.NotaryURL
			}
			if cfg.WebsocketProxyURL != "" {
				r.WebsocketProxyURL = cfg.WebsocketProxyURL
			}
			if cfg.MaxSentData > 0 {
				r.MaxSentData = cfg.MaxSentData
			}
			if cfg.MaxRecvData > 0 {
				r.MaxRecvData = cfg.MaxRecvData
			}
		}
		r.Status = StatusPending
		r.Error = ""
		r.Progress = ProgressCreatingProver
		spec = r.Spec
		return nil
	})
	if errors.Is(err, errGone) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	m.logger.WithRequest(id).Info("Retrying notarization request")
	m.launch(id, spec)
	return nil
}

// RecordVerification stores a verified peer proof as a finished request so
// it shows up in the request history. att is the verifier's signed claim,
// when there is one.
func (m *Manager) RecordVerification(ctx context.Context, spec Spec, res engine.VerifyResult, att *shared.Attestation) (string, error) {
	now := m.now()
	req := Request{
		ID:           m.newID(),
		Spec:         spec,
		Status:       StatusSuccess,
		Verification: &res,
		Attestation:  att,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := m.locker.RunExclusive(ctx, lockKey(req.ID), func() error {
		return storage.PutJSON(ctx, m.store, req.ID, &req)
	})
	if err != nil {
		return "", err
	}
	m.broadcast(Update{Request: req})
	return req.ID, nil
}

// Get returns the request, or nil when it does not exist.
func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	if !validID(id) {
		return nil, nil
	}
	var r Request
	if err := storage.GetJSON(ctx, m.store, id, &r); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// List returns all requests in creation order.
func (m *Manager) List(ctx context.Context) ([]Request, error) {
	var out []Request
	err := m.store.Iterate(ctx, func(key string, value []byte) error {
		var r Request
		if err := json.Unmarshal(value, &r); err != nil {
			m.logger.Warn("Skipping unreadable request record", zap.String("request_id", key), zap.Error(err))
			return nil
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Delete removes the request and cancels its run if one is in flight.
// Deleting a missing request is not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return nil
	}
	var existed bool
	var last Request
	err := m.locker.RunExclusive(ctx, lockKey(id), func() error {
		if err := storage.GetJSON(ctx, m.store, id, &last); err == nil {
			existed = true
		}
		return m.store.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	m.runMu.Lock()
	if r, ok := m.running[id]; ok {
		r.cancel()
	}
	m.runMu.Unlock()

	if existed {
		m.broadcast(Update{Request: last, Deleted: true})
	}
	return nil
}

// BuildCommitment locates the secrets in each transcript and returns the
// ranges that may be disclosed.
func (m *Manager) BuildCommitment(secretHeaderLines, secretRespSubstrings []string, sent, recv []byte) (redaction.Commitment, error) {
	return redaction.BuildCommitment(redaction.Secrets{
		Headers: secretHeaderLines,
		Resps:   secretRespSubstrings,
	}, sent, recv)
}

// Subscribe returns a channel of updates. Slow subscribers miss updates
// rather than stall the manager.
func (m *Manager) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subscribers, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) broadcast(u Update) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- u:
		default:
			m.logger.Debug("Dropping update for slow subscriber", zap.String("request_id", u.Request.ID))
		}
	}
}
