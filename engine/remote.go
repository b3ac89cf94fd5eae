package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"notary-mpc/redaction"
	"notary-mpc/shared"
)

const (
	DefaultDialRetries      = 5
	DefaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// RemoteConfig configures the websocket RPC adapter.
type RemoteConfig struct {
	URL         string
	DialRetries uint64
	Header      http.Header
	Logger      *shared.Logger
}

// Remote is an Engine backed by an engine host reached over a websocket.
// Calls are correlated by id; one read loop delivers responses.
type Remote struct {
	url    string
	conn   *websocket.Conn
	logger *shared.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame

	closed    chan struct{}
	closeOnce sync.Once
}

var _ Engine = (*Remote)(nil)

// DialRemote connects to the engine host, retrying transient dial failures
// with a Fibonacci backoff.
func DialRemote(ctx context.Context, cfg RemoteConfig) (*Remote, error) {
	logger := shared.OrNop(cfg.Logger).Named("engine")
	retries := cfg.DialRetries
	if retries == 0 {
		retries = DefaultDialRetries
	}

	backoff := retry.NewFibonacci(100 * time.Millisecond)
	backoff = retry.WithMaxRetries(retries, backoff)
	backoff = retry.WithJitter(50*time.Millisecond, backoff)

	dialer := &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}

	var conn *websocket.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return err
			}
			logger.Debug("Engine dial failed, retrying", zap.String("url", cfg.URL), zap.Error(err))
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, shared.NewConnectionError(cfg.URL, err)
	}

	r := &Remote{
		url:     cfg.URL,
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan frame),
		closed:  make(chan struct{}),
	}
	go r.readLoop()

	logger.Info("Connected to engine host", zap.String("url", cfg.URL))
	return r, nil
}

// Close tears down the socket. In-flight calls fail with ErrConnectionLost.
func (r *Remote) Close() error {
	r.shutdown()
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	if err := r.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Done is closed once the connection is gone.
func (r *Remote) Done() <-chan struct{} { return r.closed }

func (r *Remote) shutdown() {
	r.closeOnce.Do(func() { close(r.closed) })
}

func (r *Remote) readLoop() {
	defer func() {
		r.shutdown()
		r.conn.Close()
	}()

	for {
		_, msgBytes, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Warn("Engine connection closed", zap.Error(err))
			}
			return
		}

		resp, err := decodeFrame(msgBytes)
		if err != nil {
			r.logger.Warn("Dropping malformed engine frame", zap.Error(err))
			continue
		}

		r.mu.Lock()
		ch, ok := r.pending[resp.ID]
		delete(r.pending, resp.ID)
		r.mu.Unlock()

		if !ok {
			r.logger.Debug("Engine response for unknown call", zap.String("id", resp.ID))
			continue
		}
		ch <- resp
	}
}

func (r *Remote) call(ctx context.Context, handle, method string, params, out any) error {
	payload, err := marshalPayload(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	req := frame{ID: uuid.NewString(), Method: method, Handle: handle, Params: payload}
	msgBytes, err := encodeFrame(req)
	if err != nil {
		return err
	}

	ch := make(chan frame, 1)
	r.mu.Lock()
	r.pending[req.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
	}()

	select {
	case <-r.closed:
		return shared.ErrConnectionLost
	default:
	}

	r.writeMu.Lock()
	r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = r.conn.WriteMessage(websocket.BinaryMessage, msgBytes)
	r.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrConnectionLost, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		if out == nil {
			return nil
		}
		if err := unmarshalPayload(resp.Result, out); err != nil {
			return shared.NewProtocolError(method, "invalid result", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.closed:
		return shared.ErrConnectionLost
	}
}

type handleResult struct {
	Handle string `json:"handle"`
}

func (r *Remote) NewProver(ctx context.Context, cfg ProverConfig) (Prover, error) {
	var res handleResult
	if err := r.call(ctx, "", MethodNewProver, cfg, &res); err != nil {
		return nil, err
	}
	return &remoteProver{r: r, handle: res.Handle}, nil
}

func (r *Remote) NewVerifier(ctx context.Context, cfg VerifierConfig) (Verifier, error) {
	var res handleResult
	if err := r.call(ctx, "", MethodNewVerifier, cfg, &res); err != nil {
		return nil, err
	}
	return &remoteVerifier{r: r, handle: res.Handle}, nil
}

type urlParams struct {
	URL string `json:"url"`
}

type sendRequestParams struct {
	ProxyURL string      `json:"proxyUrl"`
	Request  HTTPRequest `json:"request"`
}

type remoteProver struct {
	r      *Remote
	handle string
}

func (p *remoteProver) Setup(ctx context.Context, coordinationURL string) error {
	return p.r.call(ctx, p.handle, MethodProverSetup, urlParams{URL: coordinationURL}, nil)
}

func (p *remoteProver) SendRequest(ctx context.Context, proxyURL string, req HTTPRequest) error {
	return p.r.call(ctx, p.handle, MethodProverSendRequest, sendRequestParams{ProxyURL: proxyURL, Request: req}, nil)
}

func (p *remoteProver) Transcript(ctx context.Context) (Transcript, error) {
	var t Transcript
	err := p.r.call(ctx, p.handle, MethodProverTranscript, nil, &t)
	return t, err
}

func (p *remoteProver) Notarize(ctx context.Context, c redaction.Commitment) (NotarizationOutputs, error) {
	var out NotarizationOutputs
	err := p.r.call(ctx, p.handle, MethodProverNotarize, c, &out)
	return out, err
}

func (p *remoteProver) Reveal(ctx context.Context, c redaction.Commitment) error {
	return p.r.call(ctx, p.handle, MethodProverReveal, c, nil)
}

func (p *remoteProver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return p.r.call(ctx, p.handle, MethodClose, nil, nil)
}

type remoteVerifier struct {
	r      *Remote
	handle string
}

func (v *remoteVerifier) Connect(ctx context.Context, proverURL string) error {
	return v.r.call(ctx, v.handle, MethodVerifierConnect, urlParams{URL: proverURL}, nil)
}

func (v *remoteVerifier) Verify(ctx context.Context) (VerifyResult, error) {
	var res VerifyResult
	err := v.r.call(ctx, v.handle, MethodVerifierVerify, nil, &res)
	return res, err
}

func (v *remoteVerifier) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return v.r.call(ctx, v.handle, MethodClose, nil, nil)
}
