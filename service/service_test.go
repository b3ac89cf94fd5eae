package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notary-mpc/engine/enginetest"
	"notary-mpc/relay"
	"notary-mpc/requests"
	"notary-mpc/shared"
	"notary-mpc/storage"
)

const testPlugin = `{"url":"https://api.example.com/balance","secretResps":["42"]}`

func newTestService(t *testing.T, mpc *enginetest.Fake, approval bool) *Service {
	t.Helper()
	return newSignedService(t, mpc, approval, nil)
}

func newSignedService(t *testing.T, mpc *enginetest.Fake, approval bool, signer *shared.SigningKeyPair) *Service {
	t.Helper()
	s := New(Config{
		Store:           storage.NewMemoryStore(),
		MPC:             mpc,
		Logger:          shared.NewNopLogger(),
		Defaults:        requests.EndpointConfig{NotaryURL: "wss://notary.example/session", WebsocketProxyURL: "wss://proxy.example"},
		RequireApproval: approval,
		Signer:          signer,
	})
	t.Cleanup(s.Close)
	return s
}

func dispatch(t *testing.T, s *Service, method string, params any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	call, err := DecodeCall(method, raw)
	require.NoError(t, err)
	return s.Dispatch(context.Background(), call)
}

func waitRequest(t *testing.T, s *Service, id string, want requests.Status) *requests.Request {
	t.Helper()
	var got *requests.Request
	require.Eventually(t, func() bool {
		r, err := s.Requests().Get(context.Background(), id)
		if err != nil || r == nil {
			return false
		}
		got = r
		return r.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	return got
}

func TestDecodeCall(t *testing.T) {
	_, err := DecodeCall("self_destruct", nil)
	assert.Equal(t, shared.ErrTypeProtocol, shared.ErrorType(err))

	_, err = DecodeCall(MethodGetRequest, json.RawMessage(`{"id":7}`))
	assert.Equal(t, shared.ErrTypeProtocol, shared.ErrorType(err))

	call, err := DecodeCall(MethodUnpair, nil)
	require.NoError(t, err)
	assert.Equal(t, Unpair{}, call)

	call, err = DecodeCall(MethodNotarize, json.RawMessage(`{"url":"https://api.example.com/x","secretHeaders":["authorization: x"],"notaryUrl":"wss://n.example"}`))
	require.NoError(t, err)
	n := call.(Notarize)
	assert.Equal(t, "https://api.example.com/x", n.URL)
	assert.Equal(t, "wss://n.example", n.NotaryURL)
	assert.Equal(t, []string{"authorization: x"}, n.SecretHeaders)
}

func TestEveryMethodDecodes(t *testing.T) {
	for method := range decoders {
		call, err := DecodeCall(method, json.RawMessage(`{}`))
		require.NoError(t, err, method)
		assert.Equal(t, method, call.method())
	}
}

func TestNotarizeMergesHostCredentials(t *testing.T) {
	s := newTestService(t, enginetest.New(), false)

	_, err := dispatch(t, s, MethodSetHostHeaders, SetHostHeaders{Host: "api.example.com", Headers: map[string]string{"Authorization": "Bearer s3cret"}})
	require.NoError(t, err)
	_, err = dispatch(t, s, MethodSetHostCookies, SetHostCookies{Host: "api.example.com", Cookies: map[string]string{"session": "c00kie"}})
	require.NoError(t, err)

	res, err := dispatch(t, s, MethodNotarize, map[string]any{"url": "https://api.example.com/balance", "secretResps": []string{"42"}})
	require.NoError(t, err)
	id := res.(map[string]string)["id"]

	r := waitRequest(t, s, id, requests.StatusSuccess)
	var proof enginetest.Proof
	require.NoError(t, json.Unmarshal(r.Proof, &proof))
	assert.Contains(t, string(proof.Sent), "GET /balance")
	assert.NotContains(t, string(proof.Sent), "s3cret")
	assert.NotContains(t, string(proof.Sent), "c00kie")
	assert.NotContains(t, string(proof.Recv), "42")
}

func TestNotarizeApproval(t *testing.T) {
	s := newTestService(t, enginetest.New(), true)
	spec := map[string]any{"url": "https://api.example.com/balance"}

	pendingID := func() string {
		var id string
		require.Eventually(t, func() bool {
			list := s.approvals.list()
			if len(list) != 1 {
				return false
			}
			id = list[0].ID
			return true
		}, 2*time.Second, 5*time.Millisecond)
		return id
	}

	errc := make(chan error, 1)
	go func() {
		_, err := dispatch(t, s, MethodNotarize, spec)
		errc <- err
	}()
	_, err := dispatch(t, s, MethodReject, Reject{ID: pendingID()})
	require.NoError(t, err)
	assert.ErrorIs(t, <-errc, shared.ErrUserRejected)

	_, err = dispatch(t, s, MethodApprove, Approve{ID: "unknown"})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	type result struct {
		res any
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := dispatch(t, s, MethodNotarize, spec)
		done <- result{res, err}
	}()
	_, err = dispatch(t, s, MethodApprove, Approve{ID: pendingID()})
	require.NoError(t, err)
	got := <-done
	require.NoError(t, got.err)
	waitRequest(t, s, got.res.(map[string]string)["id"], requests.StatusSuccess)
	assert.Empty(t, s.approvals.list())
}

func TestCloseRejectsPendingApprovals(t *testing.T) {
	s := New(Config{Store: storage.NewMemoryStore(), MPC: enginetest.New(), RequireApproval: true})

	errc := make(chan error, 1)
	go func() {
		_, err := s.Dispatch(context.Background(), Notarize{Spec: requests.Spec{URL: "https://api.example.com/"}})
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(s.approvals.list()) == 1 }, 2*time.Second, 5*time.Millisecond)

	s.Close()
	assert.ErrorIs(t, <-errc, shared.ErrUserRejected)

	_, err := s.approvals.open(ApprovalNotarize, nil)
	assert.ErrorIs(t, err, shared.ErrUserRejected)
}

func TestPluginCalls(t *testing.T) {
	s := newTestService(t, enginetest.New(), false)

	_, err := dispatch(t, s, MethodAddPlugin, AddPlugin{Plugin: json.RawMessage(`{"url":"ftp://nope"}`)})
	assert.Equal(t, shared.ErrTypeValidation, shared.ErrorType(err))

	res, err := dispatch(t, s, MethodAddPlugin, AddPlugin{Plugin: json.RawMessage(testPlugin)})
	require.NoError(t, err)
	hash := res.(map[string]string)["hash"]
	want, err := storage.PluginHash([]byte(testPlugin))
	require.NoError(t, err)
	assert.Equal(t, want, hash)

	blob, err := dispatch(t, s, MethodGetPlugin, GetPlugin{Hash: hash})
	require.NoError(t, err)
	assert.JSONEq(t, testPlugin, string(blob.([]byte)))

	list, err := dispatch(t, s, MethodListPlugins, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{hash}, list)

	_, err = dispatch(t, s, MethodDeletePlugin, DeletePlugin{Hash: hash})
	require.NoError(t, err)
	_, err = dispatch(t, s, MethodGetPlugin, GetPlugin{Hash: hash})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRequestCalls(t *testing.T) {
	mpc := enginetest.New()
	mpc.Fail("transcript", errors.New("engine crashed"))
	s := newTestService(t, mpc, false)

	_, err := dispatch(t, s, MethodGetRequest, GetRequest{ID: "missing"})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	res, err := dispatch(t, s, MethodNotarize, map[string]any{"url": "https://api.example.com/balance"})
	require.NoError(t, err)
	id := res.(map[string]string)["id"]
	waitRequest(t, s, id, requests.StatusError)

	mpc.Fail("transcript", nil)
	_, err = dispatch(t, s, MethodRetryRequest, RetryRequest{ID: id})
	require.NoError(t, err)
	waitRequest(t, s, id, requests.StatusSuccess)

	list, err := dispatch(t, s, MethodListRequests, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = dispatch(t, s, MethodDeleteRequest, DeleteRequest{ID: id})
	require.NoError(t, err)
	_, err = dispatch(t, s, MethodGetRequest, GetRequest{ID: id})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRelayCallsWithoutRelay(t *testing.T) {
	s := newTestService(t, enginetest.New(), false)

	_, err := dispatch(t, s, MethodDisconnectRelay, nil)
	assert.ErrorIs(t, err, ErrRelayNotConnected)
	_, err = dispatch(t, s, MethodConnectRelay, nil)
	assert.ErrorIs(t, err, ErrNoRelayURL)
	_, err = dispatch(t, s, MethodSendPairRequest, SendPairRequest{Target: "someone"})
	assert.Error(t, err)
}

func TestHTTPRPC(t *testing.T) {
	s := newTestService(t, enginetest.New(), false)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	post := func(body string) (int, RPCResponse) {
		resp, err := http.Post(srv.URL+"/rpc", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out RPCResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}

	code, out := post(`{"method":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, shared.ErrTypeProtocol, out.Error.Type)

	code, out = post(`{"method":"get_request","params":{"id":"missing"}}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", out.Error.Type)

	code, out = post(`{"method":"p2p_snapshot"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Nil(t, out.Error)

	code, _ = post(`not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

type wsEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn, want string) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev wsEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == want {
			return ev.Data
		}
	}
}

func TestWebsocketRPCAndPush(t *testing.T) {
	mpc := enginetest.New()
	release := mpc.Hold("new_prover")
	defer release()
	s := newTestService(t, mpc, false)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent(t, conn, EventP2P)
	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "1",
		Method: MethodNotarize,
		Params: json.RawMessage(`{"url":"https://api.example.com/balance"}`),
	}))

	var reply RPCResponse
	require.NoError(t, json.Unmarshal(readEvent(t, conn, EventRPCResult), &reply))
	assert.Equal(t, "1", reply.ID)
	require.Nil(t, reply.Error)
	release()

	for {
		var u requests.Update
		require.NoError(t, json.Unmarshal(readEvent(t, conn, EventRequest), &u))
		if u.Request.Status == requests.StatusSuccess {
			break
		}
	}
}

// pairOverRelay connects alice and bob to a fresh relay and pairs them.
func pairOverRelay(t *testing.T, alice, bob *Service) (aliceID, bobID string) {
	t.Helper()
	rs := relay.NewServer(relay.ServerConfig{Logger: shared.NewNopLogger()})
	rsrv := httptest.NewServer(rs.Handler())
	t.Cleanup(rsrv.Close)
	relayURL := "ws" + strings.TrimPrefix(rsrv.URL, "http") + relay.SignalPath

	for _, s := range []*Service{alice, bob} {
		_, err := dispatch(t, s, MethodConnectRelay, ConnectRelay{URL: relayURL})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return s.Peering().Snapshot().ClientID != ""
		}, 3*time.Second, 5*time.Millisecond)
	}
	_, err := dispatch(t, alice, MethodConnectRelay, ConnectRelay{URL: relayURL})
	assert.ErrorIs(t, err, ErrRelayConnected)

	aliceID = alice.Peering().Snapshot().ClientID
	bobID = bob.Peering().Snapshot().ClientID

	_, err = dispatch(t, alice, MethodSendPairRequest, SendPairRequest{Target: bobID})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(bob.Peering().Snapshot().IncomingPairs) == 1
	}, 3*time.Second, 5*time.Millisecond)
	_, err = dispatch(t, bob, MethodAcceptPairRequest, AcceptPairRequest{From: aliceID})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return alice.Peering().Snapshot().PairedPeer == bobID
	}, 3*time.Second, 5*time.Millisecond)
	return aliceID, bobID
}

func TestPeerProofWithApproval(t *testing.T) {
	signer, err := shared.GenerateSigningKeyPair()
	require.NoError(t, err)
	mpc := enginetest.New()
	alice := newTestService(t, mpc, false)
	bob := newSignedService(t, mpc, true, signer)
	pairOverRelay(t, alice, bob)

	_, err = dispatch(t, alice, MethodRequestProof, RequestProof{Plugin: json.RawMessage(testPlugin)})
	require.NoError(t, err)

	var approval Approval
	require.Eventually(t, func() bool {
		list := bob.approvals.list()
		if len(list) == 0 {
			return false
		}
		approval = list[0]
		return true
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, ApprovalIncomingProof, approval.Kind)

	_, err = dispatch(t, bob, MethodApprove, Approve{ID: approval.ID})
	require.NoError(t, err)

	var recorded []requests.Request
	require.Eventually(t, func() bool {
		recorded, err = bob.Requests().List(context.Background())
		return err == nil && len(recorded) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, recorded[0].Verification)
	assert.Equal(t, requests.StatusSuccess, recorded[0].Status)
	assert.Equal(t, "api.example.com", recorded[0].Verification.ServerName)
	require.NotNil(t, recorded[0].Attestation)
	assert.Equal(t, signer.Address().Hex(), recorded[0].Attestation.Verifier)

	require.Eventually(t, func() bool {
		recorded, err = alice.Requests().List(context.Background())
		return err == nil && len(recorded) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, recorded[0].Attestation)
	assert.NoError(t, recorded[0].Attestation.Verify())
	assert.NotContains(t, string(recorded[0].Attestation.Claim.Recv), "42")

	_, err = dispatch(t, alice, MethodDisconnectRelay, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bob.Peering().Snapshot().PairedPeer == ""
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCancelledProofWithdrawsApproval(t *testing.T) {
	mpc := enginetest.New()
	alice := newTestService(t, mpc, false)
	bob := newTestService(t, mpc, true)
	pairOverRelay(t, alice, bob)

	res, err := dispatch(t, alice, MethodRequestProof, RequestProof{Plugin: json.RawMessage(testPlugin)})
	require.NoError(t, err)
	hash := res.(map[string]string)["hash"]

	var approval Approval
	require.Eventually(t, func() bool {
		list := bob.approvals.list()
		if len(list) == 0 {
			return false
		}
		approval = list[0]
		return true
	}, 3*time.Second, 5*time.Millisecond)

	_, err = dispatch(t, alice, MethodCancelProofRequest, CancelProofRequest{Hash: hash})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bob.approvals.list()) == 0 && len(bob.Peering().Snapshot().IncomingProofs) == 0
	}, 3*time.Second, 5*time.Millisecond)
	_, err = dispatch(t, bob, MethodApprove, Approve{ID: approval.ID})
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.Nil(t, bob.Peering().Snapshot().Running)
}

func TestApprovalWaitCancelledIsRejection(t *testing.T) {
	a := newApprovals(nil)
	p, err := a.open(ApprovalNotarize, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.wait(ctx, p), shared.ErrUserRejected)
	assert.Empty(t, a.list())
	assert.ErrorIs(t, a.approve(p.ID), shared.ErrNotFound)
}
