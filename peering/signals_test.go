package peering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notary-mpc/relay"
)

func TestSignalBeforeWait(t *testing.T) {
	r := newSignals()
	sig := relay.Signal{Method: relay.MethodVerifierStarted, From: "bob", Hash: "h1"}
	assert.True(t, r.Fire(sig))
	assert.False(t, r.Fire(sig), "second fire is dropped")

	got, err := r.Wait(context.Background(), relay.MethodVerifierStarted, "h1")
	require.NoError(t, err)
	assert.Equal(t, sig, got)
	assert.Zero(t, r.Len())
}

func TestWaitThenSignal(t *testing.T) {
	r := newSignals()
	done := make(chan error, 1)
	go func() {
		_, err := r.Wait(context.Background(), relay.MethodProverStarted, "h1")
		done <- err
	}()

	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)
	r.Fire(relay.Signal{Method: relay.MethodProverStarted, Hash: "h1"})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait not resolved")
	}
}

func TestWaitUsesCancelCause(t *testing.T) {
	r := newSignals()
	cause := errors.New("peer left")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)

	_, err := r.Wait(ctx, relay.MethodProverStarted, "h1")
	assert.ErrorIs(t, err, cause)
	assert.Zero(t, r.Len())
}

func TestFailAllAndClear(t *testing.T) {
	r := newSignals()
	done := make(chan error, 1)
	go func() {
		_, err := r.Wait(context.Background(), relay.MethodProofRequestStart, "h1")
		done <- err
	}()
	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)

	r.FailAll(ErrPeerUnpaired)
	assert.ErrorIs(t, <-done, ErrPeerUnpaired)

	r.Fire(relay.Signal{Method: relay.MethodVerifierStarted, Hash: "h2"})
	r.Fire(relay.Signal{Method: relay.MethodVerifierStarted, Hash: "h3"})
	r.Clear("h2")
	assert.Equal(t, 1, r.Len())
}
