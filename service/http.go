package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"notary-mpc/requests"
	"notary-mpc/shared"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxRPCBody   = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RPCRequest is a UI call over HTTP or the websocket. ID is echoed back on
// websocket replies.
type RPCRequest struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type RPCError struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

type RPCResponse struct {
	ID     string    `json:"id,omitempty"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// Handler returns the UI routes: POST /rpc, GET /ws and GET /healthz.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.serveRPC)
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *Service) call(ctx context.Context, req RPCRequest) RPCResponse {
	resp := RPCResponse{ID: req.ID}
	call, err := DecodeCall(req.Method, req.Params)
	if err == nil {
		resp.Result, err = s.Dispatch(ctx, call)
	}
	if err != nil {
		resp.Error = &RPCError{Type: errorType(err), Message: err.Error()}
	}
	return resp
}

func errorType(err error) string {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return "not_found"
	case errors.Is(err, shared.ErrUserRejected):
		return "user_rejected"
	case errors.Is(err, requests.ErrNotRetryable):
		return "not_retryable"
	}
	return shared.ErrorType(err)
}

func statusCode(resp RPCResponse) int {
	if resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Type {
	case shared.ErrTypeProtocol, shared.ErrTypeValidation:
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "user_rejected":
		return http.StatusForbidden
	case "not_retryable":
		return http.StatusConflict
	case shared.ErrTypeConnection, shared.ErrTypeEngine:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Service) serveRPC(w http.ResponseWriter, r *http.Request) {
	var req RPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRPCBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, RPCResponse{Error: &RPCError{Type: shared.ErrTypeProtocol, Message: "invalid request body"}})
		return
	}
	resp := s.call(r.Context(), req)
	writeJSON(w, statusCode(resp), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// serveWS pushes events and answers RPC requests on one socket. Calls run
// concurrently so a pending approval does not block the approve call.
func (s *Service) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade UI websocket", zap.Error(err))
		return
	}
	events, unsubscribe := s.hub.subscribe()
	replies := make(chan []byte, subscriberBuffer)
	ctx, cancel := context.WithCancel(s.ctx)

	var wg sync.WaitGroup
	defer func() {
		cancel()
		unsubscribe()
		wg.Wait()
		conn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeUI(ctx, conn, events, replies)
	}()

	s.sendInitial(ctx, replies)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var req RPCRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("UI websocket closed", zap.Error(err))
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				continue
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := json.Marshal(Event{Type: EventRPCResult, Data: s.call(ctx, req)})
			if err != nil {
				return
			}
			select {
			case replies <- data:
			case <-ctx.Done():
			case <-writerDone:
			}
		}()
	}
}

func (s *Service) sendInitial(ctx context.Context, replies chan<- []byte) {
	for _, ev := range []Event{
		{Type: EventP2P, Data: s.peering.Snapshot()},
		{Type: EventApprovals, Data: s.approvals.list()},
	} {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		select {
		case replies <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) writeUI(ctx context.Context, conn *websocket.Conn, events <-chan []byte, replies <-chan []byte) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer conn.Close()

	write := func(data []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}
	for {
		select {
		case data, ok := <-events:
			if !ok || !write(data) {
				return
			}
		case data := <-replies:
			if !write(data) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
