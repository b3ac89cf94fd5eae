package peering

import (
	"context"
	"strings"
	"sync"

	"notary-mpc/relay"
)

// signalKey identifies a one-shot wait: "<method>:<pluginHash>".
func signalKey(method, hash string) string { return method + ":" + hash }

type oneShot struct {
	once sync.Once
	done chan struct{}
	sig  relay.Signal
	err  error
}

func (o *oneShot) resolve(sig relay.Signal, err error) bool {
	fired := false
	o.once.Do(func() {
		o.sig, o.err = sig, err
		close(o.done)
		fired = true
	})
	return fired
}

// signals holds one-shot waits. A signal may arrive before anyone waits
// for it; it is kept until the first Wait consumes it.
type signals struct {
	mu      sync.Mutex
	pending map[string]*oneShot
}

func newSignals() *signals {
	return &signals{pending: make(map[string]*oneShot)}
}

func (r *signals) entry(key string) *oneShot {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.pending[key]
	if !ok {
		o = &oneShot{done: make(chan struct{})}
		r.pending[key] = o
	}
	return o
}

// Fire resolves the wait for sig. It reports false when that wait was
// already resolved.
func (r *signals) Fire(sig relay.Signal) bool {
	return r.entry(signalKey(sig.Method, sig.Hash)).resolve(sig, nil)
}

// Wait blocks until the signal for method and hash arrives, the wait is
// failed, or ctx ends. The wait is deregistered on return.
func (r *signals) Wait(ctx context.Context, method, hash string) (relay.Signal, error) {
	key := signalKey(method, hash)
	o := r.entry(key)
	defer r.forget(key, o)

	select {
	case <-o.done:
		return o.sig, o.err
	case <-ctx.Done():
		if cause := context.Cause(ctx); cause != nil {
			return relay.Signal{}, cause
		}
		return relay.Signal{}, ctx.Err()
	}
}

func (r *signals) forget(key string, o *oneShot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[key] == o {
		delete(r.pending, key)
	}
}

// Clear drops every wait for hash.
func (r *signals) Clear(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.pending {
		if strings.HasSuffix(key, ":"+hash) {
			delete(r.pending, key)
		}
	}
}

// FailAll resolves every pending wait with err and empties the registry.
func (r *signals) FailAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*oneShot)
	r.mu.Unlock()

	for _, o := range pending {
		o.resolve(relay.Signal{}, err)
	}
}

// Len returns the number of registered waits.
func (r *signals) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
