package requests

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notary-mpc/engine"
	"notary-mpc/engine/enginetest"
	"notary-mpc/redaction"
	"notary-mpc/shared"
	"notary-mpc/storage"
)

func newTestManager(t *testing.T) (*Manager, *enginetest.Fake) {
	t.Helper()
	fake := enginetest.New()
	m := NewManager(Config{
		Store:    storage.NewMemoryStore(),
		Engine:   fake,
		Logger:   shared.NewNopLogger(),
		Defaults: EndpointConfig{NotaryURL: "wss://notary.example/session", WebsocketProxyURL: "wss://proxy.example"},
	})
	t.Cleanup(m.Close)
	return m, fake
}

func testSpec() Spec {
	return Spec{
		URL:           "https://api.example.com/balance",
		Headers:       map[string]string{"Authorization": "Bearer token-123"},
		SecretHeaders: []string{"authorization: Bearer token-123"},
		SecretResps:   []string{"42"},
	}
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) *Request {
	t.Helper()
	var got *Request
	require.Eventually(t, func() bool {
		r, err := m.Get(context.Background(), id)
		if err != nil || r == nil {
			return false
		}
		got = r
		return r.Status == want
	}, 2*time.Second, 5*time.Millisecond, "request %s never reached %q", id, want)
	return got
}

func TestStartCompletesWithRedactedProof(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()
	release := fake.Hold("new_prover")

	id, err := m.Start(ctx, testSpec())
	require.NoError(t, err)

	r, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, ProgressCreatingProver, r.Progress)
	assert.Equal(t, "GET", r.Method)
	assert.Equal(t, DefaultMaxSentData, r.MaxSentData)

	release()
	r = waitStatus(t, m, id, StatusSuccess)
	assert.Equal(t, ProgressFinalizingOutputs, r.Progress)
	assert.Empty(t, r.Error)

	var proof enginetest.Proof
	require.NoError(t, json.Unmarshal(r.Proof, &proof))
	assert.NotContains(t, string(proof.Sent), "token-123")
	assert.NotContains(t, string(proof.Recv), "42")
	assert.Contains(t, string(proof.Sent), "Host: api.example.com")

	assert.Equal(t, []string{"new_prover", "setup", "send_request", "transcript", "notarize"}, fake.Calls())
}

func TestFailThenRetry(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()
	fake.Fail("setup", errors.New("handshake failed"))

	id, err := m.Start(ctx, testSpec())
	require.NoError(t, err)

	r := waitStatus(t, m, id, StatusError)
	assert.Contains(t, r.Error, "handshake failed")
	assert.Equal(t, ProgressSettingUpProver, r.Progress)

	fake.Fail("setup", nil)
	release := fake.Hold("new_prover")
	require.NoError(t, m.Retry(ctx, id, &EndpointConfig{NotaryURL: "wss://other-notary.example"}))

	r, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Empty(t, r.Error)
	assert.Equal(t, ProgressCreatingProver, r.Progress)
	assert.Equal(t, "wss://other-notary.example", r.NotaryURL)

	release()
	waitStatus(t, m, id, StatusSuccess)
}

func TestRetryUnknownRequest(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	err := m.Retry(ctx, "00000000000000000001", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRetryRequiresErrorStatus(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()
	release := fake.Hold("new_prover")
	defer release()

	id, err := m.Start(ctx, testSpec())
	require.NoError(t, err)
	assert.ErrorIs(t, m.Retry(ctx, id, nil), ErrNotRetryable)
}

func TestSuccessIsFrozen(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Start(ctx, testSpec())
	require.NoError(t, err)
	waitStatus(t, m, id, StatusSuccess)

	require.NoError(t, m.Fail(ctx, id, errors.New("late failure")))
	require.NoError(t, m.Advance(ctx, id, ProgressSendingRequest))

	r, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Empty(t, r.Error)
	assert.Equal(t, ProgressFinalizingOutputs, r.Progress)
}

func TestMissingRequestsAreNotErrors(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	r, err := m.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, r)

	assert.NoError(t, m.Advance(ctx, "nope", ProgressSendingRequest))
	assert.NoError(t, m.Complete(ctx, "nope", []byte("proof")))
	assert.NoError(t, m.Fail(ctx, "nope", errors.New("x")))
	assert.NoError(t, m.Delete(ctx, "nope"))

	r, err = m.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, r, "completing a missing request must not create it")
}

func TestDeleteCancelsRun(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()
	release := fake.Hold("setup")
	defer release()

	id, err := m.Start(ctx, testSpec())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, _ := m.Get(ctx, id)
		return r != nil && r.Progress == ProgressSettingUpProver
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Delete(ctx, id))
	m.Close()

	r, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestIDsFollowCreationOrder(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	fake := enginetest.New()
	release := fake.Hold("new_prover")
	defer release()
	m := NewManager(Config{
		Store:    storage.NewMemoryStore(),
		Engine:   fake,
		Defaults: EndpointConfig{NotaryURL: "wss://notary.example"},
		Now:      func() time.Time { return fixed },
	})
	t.Cleanup(m.Close)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Start(ctx, testSpec())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Len(t, ids[0], 20)
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, r := range all {
		assert.Equal(t, ids[i], r.ID)
	}
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	cases := map[string]Spec{
		"relative url":   {URL: "/balance"},
		"ftp url":        {URL: "ftp://files.example/x"},
		"unknown method": {URL: "https://a.example", Method: "BREW"},
		"empty secret":   {URL: "https://a.example", SecretResps: []string{""}},
		"bad jsonpath":   {URL: "https://a.example", SecretJSONPaths: []string{"balance"}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.Start(ctx, spec)
			require.Error(t, err)
			assert.Equal(t, shared.ErrTypeValidation, shared.ErrorType(err))
		})
	}

	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, fake.Calls())
}

func TestNotarizeFailureIsRecorded(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()
	fake.Fail("notarize", errors.New("notary closed the session"))

	id, err := m.Start(ctx, testSpec())
	require.NoError(t, err)
	r := waitStatus(t, m, id, StatusError)
	assert.Contains(t, r.Error, "notary closed the session")
	assert.Equal(t, ProgressFinalizingOutputs, r.Progress)
	assert.Empty(t, r.Proof)
	assert.Empty(t, fake.Notarized())
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	m, _ := newTestManager(t)
	updates, cancel := m.Subscribe()

	id, err := m.Start(context.Background(), testSpec())
	require.NoError(t, err)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-updates:
			require.Equal(t, id, u.Request.ID)
			if u.Request.Status == StatusSuccess {
				cancel()
				_, open := <-updates
				for open {
					_, open = <-updates
				}
				return
			}
		case <-timeout:
			t.Fatal("no success update")
		}
	}
}

func TestBuildCommitmentHidesHeaderLine(t *testing.T) {
	m, _ := newTestManager(t)
	sent := []byte("GET /a HTTP/1.1\r\nAuthorization: secret123\r\n\r\n")

	c, err := m.BuildCommitment([]string{"authorization: secret123"}, nil, sent, []byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []redaction.ByteRange{{Start: 0, End: 17}, {Start: 41, End: 45}}, c.Sent)
	assert.Equal(t, []redaction.ByteRange{{Start: 0, End: 19}}, c.Recv)
}

func TestProgressText(t *testing.T) {
	b, err := json.Marshal(Request{ID: "1", Progress: ProgressReadingTranscript})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"progress":"reading_transcript"`)

	var r Request
	require.NoError(t, json.Unmarshal(b, &r))
	assert.Equal(t, ProgressReadingTranscript, r.Progress)
	assert.Error(t, json.Unmarshal([]byte(`{"progress":"teleporting"}`), &r))
}

func TestRecordVerificationKeepsAttestation(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	kp, err := shared.GenerateSigningKeyPair()
	require.NoError(t, err)
	res := engine.VerifyResult{
		ServerName: "api.example.com",
		Sent:       []byte("GET /balance HTTP/1.1\r\n"),
		Recv:       []byte("HTTP/1.1 200 OK\r\n"),
		VerifiedAt: time.Now(),
	}
	att, err := shared.SignClaim(kp, shared.Claim{
		PluginHash: "bafk-test",
		ServerName: res.ServerName,
		Sent:       res.Sent,
		Recv:       res.Recv,
		VerifiedAt: res.VerifiedAt,
	})
	require.NoError(t, err)

	id, err := m.RecordVerification(ctx, testSpec(), res, att)
	require.NoError(t, err)

	r, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, StatusSuccess, r.Status)
	require.NotNil(t, r.Verification)
	assert.Equal(t, res.Recv, r.Verification.Recv)
	require.NotNil(t, r.Attestation)
	assert.NoError(t, r.Attestation.Verify())
	assert.Equal(t, kp.Address().Hex(), r.Attestation.Verifier)
	assert.Empty(t, fake.Calls(), "recording must not touch the engine")

	// success records are frozen
	assert.ErrorIs(t, m.Retry(ctx, id, nil), ErrNotRetryable)
}

func TestCompleteAfterFailKeepsError(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()
	release := fake.Hold("new_prover")
	defer release()

	id, err := m.Start(ctx, testSpec())
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, id, errors.New("cancelled by user")))

	require.NoError(t, m.Complete(ctx, id, []byte("late proof")))
	require.NoError(t, m.Fail(ctx, id, errors.New("second failure")))

	r, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, "cancelled by user", r.Error)
	assert.Empty(t, r.Proof)
}

func TestInvalidIDsAreNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"", "..", "a/b"} {
		r, err := m.Get(ctx, id)
		assert.NoError(t, err, "get %q", id)
		assert.Nil(t, r)
		assert.ErrorIs(t, m.Retry(ctx, id, nil), ErrNotFound, "retry %q", id)
		assert.NoError(t, m.Delete(ctx, id), "delete %q", id)
		assert.NoError(t, m.Advance(ctx, id, ProgressSendingRequest))
	}
}
