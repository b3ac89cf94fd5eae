package peering_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notary-mpc/engine/enginetest"
	"notary-mpc/peering"
	"notary-mpc/relay"
	"notary-mpc/shared"
	"notary-mpc/storage"
)

const plugin = `{"url":"https://api.example.com/balance","secretResps":["42"]}`

type peer struct {
	*peering.Engine
	id       string
	client   *relay.Client
	plugins  *storage.PluginStore
	hosts    *storage.HostStore
	results  chan peering.Result
	incoming chan peering.ProofRequest
}

func startRelay(t *testing.T) string {
	t.Helper()
	srv := relay.NewServer(relay.ServerConfig{Logger: shared.NewNopLogger()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + relay.SignalPath
}

func startPeer(t *testing.T, relayURL string, mpc *enginetest.Fake, signer *shared.SigningKeyPair) *peer {
	t.Helper()
	store := storage.NewMemoryStore()
	p := &peer{
		plugins:  storage.NewPluginStore(store),
		hosts:    storage.NewHostStore(store, storage.NewLocker()),
		results:  make(chan peering.Result, 4),
		incoming: make(chan peering.ProofRequest, 4),
	}
	p.Engine = peering.New(peering.Config{
		MPC:             mpc,
		Plugins:         p.plugins,
		Hosts:           p.hosts,
		Logger:          shared.NewNopLogger(),
		ProxyURL:        "wss://proxy.example",
		Signer:          signer,
		OnResult:        func(r peering.Result) { p.results <- r },
		OnIncomingProof: func(r peering.ProofRequest) { p.incoming <- r },
	})
	p.client = relay.NewClient(relay.ClientConfig{URL: relayURL, Logger: shared.NewNopLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	clientDone := make(chan struct{})
	engineDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		p.client.Run(ctx)
	}()
	go func() {
		defer close(engineDone)
		p.Run(ctx, p.client, relayURL)
	}()
	t.Cleanup(func() {
		p.client.Close()
		cancel()
		<-clientDone
		<-engineDone
	})

	require.Eventually(t, func() bool {
		p.id = p.Snapshot().ClientID
		return p.id != ""
	}, 3*time.Second, 5*time.Millisecond)
	return p
}

func pairPeers(t *testing.T, a, b *peer) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.SendPairRequest(ctx, b.id))
	require.Eventually(t, func() bool {
		return len(b.Snapshot().IncomingPairs) == 1
	}, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, b.AcceptPairRequest(ctx, a.id))
	require.Eventually(t, func() bool {
		return a.Snapshot().PairedPeer == b.id && b.Snapshot().PairedPeer == a.id
	}, 3*time.Second, 5*time.Millisecond)
}

func nextResult(t *testing.T, p *peer) peering.Result {
	t.Helper()
	select {
	case r := <-p.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for proof result")
		return peering.Result{}
	}
}

func nextIncoming(t *testing.T, p *peer) peering.ProofRequest {
	t.Helper()
	select {
	case r := <-p.incoming:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for proof request")
		return peering.ProofRequest{}
	}
}

func TestCommandsBeforeRun(t *testing.T) {
	e := peering.New(peering.Config{MPC: enginetest.New()})
	err := e.SendPairRequest(context.Background(), "someone")
	assert.ErrorIs(t, err, peering.ErrNotConnected)
	assert.False(t, e.Snapshot().Connected)
}

func TestPairingOverRelay(t *testing.T) {
	relayURL := startRelay(t)
	mpc := enginetest.New()
	alice := startPeer(t, relayURL, mpc, nil)
	bob := startPeer(t, relayURL, mpc, nil)

	snaps, stop := alice.Subscribe()
	defer stop()

	pairPeers(t, alice, bob)

	var sawPaired bool
	for !sawPaired {
		select {
		case s := <-snaps:
			sawPaired = s.PairedPeer == bob.id
		case <-time.After(time.Second):
			t.Fatal("no paired snapshot published")
		}
	}

	require.NoError(t, bob.Unpair(context.Background()))
	require.Eventually(t, func() bool {
		return alice.Snapshot().PairedPeer == ""
	}, 3*time.Second, 5*time.Millisecond)
}

func TestProofRunOverRelay(t *testing.T) {
	signer, err := shared.GenerateSigningKeyPair()
	require.NoError(t, err)
	relayURL := startRelay(t)
	mpc := enginetest.New()
	alice := startPeer(t, relayURL, mpc, nil)
	bob := startPeer(t, relayURL, mpc, signer)
	pairPeers(t, alice, bob)

	ctx := context.Background()
	require.NoError(t, alice.hosts.SetHeaders(ctx, "api.example.com", map[string]string{"Authorization": "Bearer s3cret"}))

	hash, err := alice.RequestProof(ctx, json.RawMessage(plugin))
	require.NoError(t, err)

	req := nextIncoming(t, bob)
	assert.Equal(t, hash, req.Hash)
	assert.Equal(t, alice.id, req.Peer)

	cached, err := bob.plugins.Get(ctx, hash)
	require.NoError(t, err)
	assert.JSONEq(t, plugin, string(cached))

	require.NoError(t, bob.AcceptProofRequest(ctx, hash))

	proverResult := nextResult(t, alice)
	verifierResult := nextResult(t, bob)

	assert.Empty(t, proverResult.Error)
	assert.Equal(t, peering.RoleProver, proverResult.Role)
	require.NotNil(t, proverResult.Attestation)
	assert.Equal(t, signer.Address().Hex(), proverResult.Attestation.Verifier)
	assert.Equal(t, hash, proverResult.Attestation.Claim.PluginHash)
	assert.NoError(t, proverResult.Attestation.Verify())

	require.Empty(t, verifierResult.Error)
	assert.Equal(t, peering.RoleVerifier, verifierResult.Role)
	require.NotNil(t, verifierResult.Verification)
	assert.Equal(t, "api.example.com", verifierResult.Verification.ServerName)
	assert.Contains(t, string(verifierResult.Verification.Sent), "GET /balance HTTP/1.1")
	assert.NotContains(t, string(verifierResult.Verification.Sent), "s3cret")
	assert.NotContains(t, string(verifierResult.Verification.Recv), "42")

	require.Eventually(t, func() bool {
		return alice.Snapshot().Running == nil && bob.Snapshot().Running == nil
	}, 3*time.Second, 5*time.Millisecond)
}

func TestVerifierFailureAbortsProver(t *testing.T) {
	relayURL := startRelay(t)
	mpc := enginetest.New()
	mpc.Fail("connect", errors.New("pipe refused"))
	alice := startPeer(t, relayURL, mpc, nil)
	bob := startPeer(t, relayURL, mpc, nil)
	pairPeers(t, alice, bob)

	ctx := context.Background()
	hash, err := alice.RequestProof(ctx, json.RawMessage(plugin))
	require.NoError(t, err)
	nextIncoming(t, bob)
	require.NoError(t, bob.AcceptProofRequest(ctx, hash))

	verifierResult := nextResult(t, bob)
	assert.Contains(t, verifierResult.Error, "pipe refused")

	proverResult := nextResult(t, alice)
	assert.Contains(t, proverResult.Error, "pipe refused")

	require.Eventually(t, func() bool {
		return alice.Snapshot().Running == nil && alice.Snapshot().LastError != ""
	}, 3*time.Second, 5*time.Millisecond)
}

func TestRejectedProofReturnsToIdle(t *testing.T) {
	relayURL := startRelay(t)
	mpc := enginetest.New()
	alice := startPeer(t, relayURL, mpc, nil)
	bob := startPeer(t, relayURL, mpc, nil)
	pairPeers(t, alice, bob)

	ctx := context.Background()
	hash, err := alice.RequestProof(ctx, json.RawMessage(plugin))
	require.NoError(t, err)
	nextIncoming(t, bob)
	require.NoError(t, bob.RejectProofRequest(ctx, hash))

	require.Eventually(t, func() bool {
		return len(alice.Snapshot().OutgoingProofs) == 0
	}, 3*time.Second, 5*time.Millisecond)
	assert.Empty(t, bob.Snapshot().IncomingProofs)
	assert.Empty(t, mpc.Calls())
}
