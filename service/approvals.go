package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"notary-mpc/shared"
)

// errApprovalWithdrawn settles an approval whose subject no longer exists.
var errApprovalWithdrawn = errors.New("approval withdrawn")

// Approval kinds.
const (
	ApprovalNotarize      = "notarize"
	ApprovalIncomingProof = "incoming_proof"
)

// Approval is a pending user decision.
type Approval struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type pendingApproval struct {
	Approval
	once sync.Once
	done chan struct{}
	err  error
}

func (p *pendingApproval) resolve(err error) bool {
	resolved := false
	p.once.Do(func() {
		p.err = err
		close(p.done)
		resolved = true
	})
	return resolved
}

// approvals holds one-shot user decisions. Each resolves exactly once and
// is deregistered when it does.
type approvals struct {
	mu       sync.Mutex
	pending  map[string]*pendingApproval
	closed   bool
	onChange func([]Approval)
}

func newApprovals(onChange func([]Approval)) *approvals {
	return &approvals{pending: make(map[string]*pendingApproval), onChange: onChange}
}

// open registers a decision and returns it. It fails with ErrUserRejected
// once the approvals are closed.
func (a *approvals) open(kind string, detail any) (*pendingApproval, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return nil, err
	}
	p := &pendingApproval{
		Approval: Approval{ID: uuid.NewString(), Kind: kind, Detail: raw, CreatedAt: time.Now()},
		done:     make(chan struct{}),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, shared.ErrUserRejected
	}
	a.pending[p.ID] = p
	a.mu.Unlock()
	a.changed()
	return p, nil
}

// wait blocks until p is decided or ctx ends. A cancelled wait counts as a
// rejection.
func (a *approvals) wait(ctx context.Context, p *pendingApproval) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		a.settle(p.ID, shared.ErrUserRejected)
		return shared.ErrUserRejected
	}
}

// settle resolves id with err. It returns ErrNotFound for an unknown or
// already decided id.
func (a *approvals) settle(id string, err error) error {
	a.mu.Lock()
	p, ok := a.pending[id]
	delete(a.pending, id)
	a.mu.Unlock()
	if !ok || !p.resolve(err) {
		return shared.ErrNotFound
	}
	a.changed()
	return nil
}

func (a *approvals) approve(id string) error { return a.settle(id, nil) }

func (a *approvals) reject(id string) error { return a.settle(id, shared.ErrUserRejected) }

// withdraw resolves id because the thing it asked about went away.
func (a *approvals) withdraw(id string) error { return a.settle(id, errApprovalWithdrawn) }

func (a *approvals) list() []Approval {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Approval, 0, len(a.pending))
	for _, p := range a.pending {
		out = append(out, p.Approval)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// close rejects every pending decision and refuses new ones.
func (a *approvals) close() {
	a.mu.Lock()
	a.closed = true
	pending := a.pending
	a.pending = make(map[string]*pendingApproval)
	a.mu.Unlock()

	for _, p := range pending {
		p.resolve(shared.ErrUserRejected)
	}
	if len(pending) > 0 {
		a.changed()
	}
}

func (a *approvals) changed() {
	if a.onChange != nil {
		a.onChange(a.list())
	}
}
