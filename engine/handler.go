package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"notary-mpc/redaction"
	"notary-mpc/shared"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler exposes an Engine implementation to Remote clients over a websocket.
type Handler struct {
	engine Engine
	logger *shared.Logger
}

func NewHandler(e Engine, logger *shared.Logger) *Handler {
	return &Handler{engine: e, logger: shared.OrNop(logger).Named("engine-host")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade engine connection", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &hostSession{
		h:         h,
		conn:      conn,
		provers:   make(map[string]Prover),
		verifiers: make(map[string]Verifier),
	}
	defer func() {
		cancel()
		s.wg.Wait()
		s.closeAll()
		conn.Close()
	}()

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := decodeFrame(msgBytes)
		if err != nil {
			h.logger.Warn("Dropping malformed engine request", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reply(s.dispatch(ctx, req))
		}()
	}
}

type hostSession struct {
	h    *Handler
	conn *websocket.Conn
	wg   sync.WaitGroup

	writeMu sync.Mutex

	mu        sync.Mutex
	provers   map[string]Prover
	verifiers map[string]Verifier
}

func (s *hostSession) reply(resp frame) {
	msgBytes, err := encodeFrame(resp)
	if err != nil {
		s.h.logger.Error("Failed to encode engine response", zap.String("method", resp.Method), zap.Error(err))
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, msgBytes); err != nil {
		s.h.logger.Debug("Failed to write engine response", zap.Error(err))
	}
}

func (s *hostSession) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.provers {
		p.Close()
		delete(s.provers, id)
	}
	for id, v := range s.verifiers {
		v.Close()
		delete(s.verifiers, id)
	}
}

func (s *hostSession) prover(handle string) (Prover, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.provers[handle]
	if !ok {
		return nil, fmt.Errorf("unknown prover handle %q", handle)
	}
	return p, nil
}

func (s *hostSession) verifier(handle string) (Verifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verifiers[handle]
	if !ok {
		return nil, fmt.Errorf("unknown verifier handle %q", handle)
	}
	return v, nil
}

func (s *hostSession) dispatch(ctx context.Context, req frame) frame {
	resp := frame{ID: req.ID, Method: req.Method}
	result, err := s.invoke(ctx, req)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	if resp.Result, err = marshalPayload(result); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func decodeParams(req frame, out any) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("%s: missing params", req.Method)
	}
	if err := json.Unmarshal(req.Params, out); err != nil {
		return fmt.Errorf("%s: invalid params: %w", req.Method, err)
	}
	return nil
}

func (s *hostSession) invoke(ctx context.Context, req frame) (any, error) {
	switch req.Method {
	case MethodNewProver:
		var cfg ProverConfig
		if err := decodeParams(req, &cfg); err != nil {
			return nil, err
		}
		p, err := s.h.engine.NewProver(ctx, cfg)
		if err != nil {
			return nil, err
		}
		handle := uuid.NewString()
		s.mu.Lock()
		s.provers[handle] = p
		s.mu.Unlock()
		return handleResult{Handle: handle}, nil

	case MethodNewVerifier:
		var cfg VerifierConfig
		if err := decodeParams(req, &cfg); err != nil {
			return nil, err
		}
		v, err := s.h.engine.NewVerifier(ctx, cfg)
		if err != nil {
			return nil, err
		}
		handle := uuid.NewString()
		s.mu.Lock()
		s.verifiers[handle] = v
		s.mu.Unlock()
		return handleResult{Handle: handle}, nil

	case MethodProverSetup:
		var p urlParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		prover, err := s.prover(req.Handle)
		if err != nil {
			return nil, err
		}
		return struct{}{}, prover.Setup(ctx, p.URL)

	case MethodProverSendRequest:
		var p sendRequestParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		prover, err := s.prover(req.Handle)
		if err != nil {
			return nil, err
		}
		return struct{}{}, prover.SendRequest(ctx, p.ProxyURL, p.Request)

	case MethodProverTranscript:
		prover, err := s.prover(req.Handle)
		if err != nil {
			return nil, err
		}
		return prover.Transcript(ctx)

	case MethodProverNotarize, MethodProverReveal:
		var c redaction.Commitment
		if err := decodeParams(req, &c); err != nil {
			return nil, err
		}
		prover, err := s.prover(req.Handle)
		if err != nil {
			return nil, err
		}
		if req.Method == MethodProverReveal {
			return struct{}{}, prover.Reveal(ctx, c)
		}
		return prover.Notarize(ctx, c)

	case MethodVerifierConnect:
		var p urlParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		verifier, err := s.verifier(req.Handle)
		if err != nil {
			return nil, err
		}
		return struct{}{}, verifier.Connect(ctx, p.URL)

	case MethodVerifierVerify:
		verifier, err := s.verifier(req.Handle)
		if err != nil {
			return nil, err
		}
		return verifier.Verify(ctx)

	case MethodClose:
		s.mu.Lock()
		p, isProver := s.provers[req.Handle]
		v, isVerifier := s.verifiers[req.Handle]
		delete(s.provers, req.Handle)
		delete(s.verifiers, req.Handle)
		s.mu.Unlock()
		switch {
		case isProver:
			return struct{}{}, p.Close()
		case isVerifier:
			return struct{}{}, v.Close()
		}
		return struct{}{}, nil

	default:
		return nil, fmt.Errorf("unknown engine method %q", req.Method)
	}
}
