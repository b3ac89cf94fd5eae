package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"notary-mpc/shared"
)

const (
	SignalPath = "/signal"
	PipePath   = "/pipe/"

	DefaultMaxFaults = 10
	DefaultPipeWait  = 60 * time.Second

	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServerConfig configures the relay hub.
type ServerConfig struct {
	Logger    *shared.Logger
	MaxFaults int
	PipeWait  time.Duration
}

// Server forwards signaling messages between connected clients and tracks
// who is paired with whom. It also bridges two websockets that join the same
// proof pipe.
type Server struct {
	logger   *shared.Logger
	faults   *shared.FaultReporter
	pipeWait time.Duration

	mu      sync.Mutex
	clients map[string]*peer
	pending map[string]map[string]bool // requester -> targets
	pairs   map[string]string
	pipes   map[string]chan pipeEnd
}

func NewServer(cfg ServerConfig) *Server {
	logger := shared.OrNop(cfg.Logger).Named("relay")
	if cfg.MaxFaults == 0 {
		cfg.MaxFaults = DefaultMaxFaults
	}
	if cfg.PipeWait == 0 {
		cfg.PipeWait = DefaultPipeWait
	}
	return &Server{
		logger:   logger,
		faults:   shared.NewFaultReporter(logger, cfg.MaxFaults),
		pipeWait: cfg.PipeWait,
		clients:  make(map[string]*peer),
		pending:  make(map[string]map[string]bool),
		pairs:    make(map[string]string),
		pipes:    make(map[string]chan pipeEnd),
	}
}

// Handler returns the relay routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+SignalPath, s.serveSignal)
	mux.HandleFunc("GET "+PipePath+"{id}", s.servePipe)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Clients returns the number of connected signaling clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

type peer struct {
	id        string
	conn      *websocket.Conn
	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// enqueue hands msg to the write pump. A peer whose buffer is full is
// dropped.
func (p *peer) enqueue(msg Message) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- msg:
		return true
	default:
		p.close()
		return false
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case msg := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (s *Server) serveSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade relay connection", zap.Error(err))
		return
	}

	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, sendBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[p.id] = p
	s.mu.Unlock()
	defer s.unregister(p)

	go p.writePump()
	p.enqueue(MustMessage(MethodClientConnect, ClientConnectParams{ClientID: p.id}))
	s.logger.WithPeer(p.id).Info("Relay client connected")

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.faults.Report(p.id, shared.ReasonWebSocketFailure, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			if s.faults.Report(p.id, shared.ReasonMessageParsingFailed, err) {
				return
			}
			continue
		}
		if reason, err := s.handle(p, msg); err != nil {
			p.enqueue(MustMessage(MethodError, ErrorParams{Message: err.Error(), Method: msg.Method}))
			if reason != "" && s.faults.Report(p.id, reason, err, zap.String("method", msg.Method)) {
				return
			}
		}
	}
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	delete(s.clients, p.id)
	delete(s.pending, p.id)
	for _, targets := range s.pending {
		delete(targets, p.id)
	}
	partner, paired := s.pairs[p.id]
	if paired {
		delete(s.pairs, p.id)
		delete(s.pairs, partner)
	}
	other := s.clients[partner]
	s.mu.Unlock()

	if paired && other != nil {
		other.enqueue(MustMessage(MethodUnpaired, PeerParams{From: p.id}))
	}
	s.faults.Forget(p.id)
	p.close()
	s.logger.WithPeer(p.id).Info("Relay client disconnected")
}

var (
	errSelfTarget    = errors.New("cannot target yourself")
	errNotPaired     = errors.New("not paired with target")
	errNoPending     = errors.New("no pending pair request from target")
	errAlreadyPaired = errors.New("already paired")
)

// handle routes one client message. A non-empty reason marks the error as a
// protocol fault; other errors are only reported back to the sender.
func (s *Server) handle(p *peer, msg Message) (shared.FaultReason, error) {
	switch msg.Method {
	case MethodPairRequest, MethodPairRequestCancel, MethodPairRequestReject,
		MethodPairRequestAccept, MethodUnpair:
		var params PeerParams
		if err := msg.ParseParams(&params); err != nil {
			return shared.ReasonMissingParams, err
		}
		if params.Target == "" {
			return shared.ReasonMissingParams, fmt.Errorf("%s: missing target", msg.Method)
		}
		if params.Target == p.id {
			return "", errSelfTarget
		}
		return "", s.handlePairing(p, msg.Method, params.Target)

	case MethodRequestProof, MethodRequestProofByHash, MethodRequestProofByHashFailed,
		MethodProofRequestCancel, MethodProofRequestReject, MethodProofRequestAccept:
		var params ProofParams
		if err := msg.ParseParams(&params); err != nil {
			return shared.ReasonMissingParams, err
		}
		if params.Target == "" || params.PluginHash == "" {
			return shared.ReasonMissingParams, fmt.Errorf("%s: missing target or pluginHash", msg.Method)
		}
		if msg.Method == MethodRequestProof && len(params.Plugin) == 0 {
			return shared.ReasonMissingParams, fmt.Errorf("%s: missing plugin", msg.Method)
		}
		if !s.paired(p.id, params.Target) {
			return "", errNotPaired
		}
		out := ProofParams{From: p.id, PluginHash: params.PluginHash}
		method := msg.Method
		switch msg.Method {
		case MethodRequestProof:
			method = MethodProofRequestReceived
			out.Plugin = params.Plugin
		case MethodProofRequestCancel:
			method = MethodProofRequestCancelled
		case MethodProofRequestReject:
			method = MethodProofRequestRejected
		}
		return "", s.forward(params.Target, MustMessage(method, out))

	case MethodVerifierStarted, MethodProverInstantiated, MethodProverSetup,
		MethodProverStarted, MethodProofRequestStart, MethodProofRequestEnd:
		var params SignalParams
		if err := msg.ParseParams(&params); err != nil {
			return shared.ReasonMissingParams, err
		}
		if params.Target == "" || params.PluginHash == "" {
			return shared.ReasonMissingParams, fmt.Errorf("%s: missing target or pluginHash", msg.Method)
		}
		if !s.paired(p.id, params.Target) {
			return "", errNotPaired
		}
		target := params.Target
		params.From, params.Target = p.id, ""
		return "", s.forward(target, MustMessage(msg.Method, params))
	}
	return shared.ReasonUnknownMethod, fmt.Errorf("%w %q", ErrUnknownMethod, msg.Method)
}

func (s *Server) handlePairing(p *peer, method, target string) error {
	switch method {
	case MethodPairRequest:
		s.mu.Lock()
		_, busy := s.pairs[p.id]
		if !busy {
			if s.pending[p.id] == nil {
				s.pending[p.id] = make(map[string]bool)
			}
			s.pending[p.id][target] = true
		}
		s.mu.Unlock()
		if busy {
			return errAlreadyPaired
		}
		if err := s.forward(target, MustMessage(MethodPairRequest, PeerParams{From: p.id})); err != nil {
			s.clearPending(p.id, target)
			return err
		}
		p.enqueue(MustMessage(MethodPairRequestSent, PeerParams{Target: target}))
		return nil

	case MethodPairRequestCancel:
		s.clearPending(p.id, target)
		return s.forward(target, MustMessage(MethodPairRequestCancelled, PeerParams{From: p.id}))

	case MethodPairRequestReject:
		s.clearPending(target, p.id)
		return s.forward(target, MustMessage(MethodPairRequestRejected, PeerParams{From: p.id}))

	case MethodPairRequestAccept:
		s.mu.Lock()
		var err error
		_, selfPaired := s.pairs[p.id]
		_, targetPaired := s.pairs[target]
		switch {
		case !s.pending[target][p.id]:
			err = errNoPending
		case selfPaired || targetPaired:
			err = errAlreadyPaired
		default:
			s.pairs[p.id] = target
			s.pairs[target] = p.id
			delete(s.pending, p.id)
			delete(s.pending, target)
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if err := s.forward(target, MustMessage(MethodPairRequestSuccess, PeerParams{From: p.id})); err != nil {
			return err
		}
		p.enqueue(MustMessage(MethodPairRequestSuccess, PeerParams{From: target}))
		s.logger.Info("Clients paired", zap.String("peer_a", p.id), zap.String("peer_b", target))
		return nil

	case MethodUnpair:
		s.mu.Lock()
		ok := s.pairs[p.id] == target
		if ok {
			delete(s.pairs, p.id)
			delete(s.pairs, target)
		}
		s.mu.Unlock()
		if !ok {
			return errNotPaired
		}
		return s.forward(target, MustMessage(MethodUnpaired, PeerParams{From: p.id}))
	}
	return fmt.Errorf("%w %q", ErrUnknownMethod, method)
}

func (s *Server) clearPending(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending[from], to)
}

func (s *Server) paired(a, b string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairs[a] == b
}

func (s *Server) forward(target string, msg Message) error {
	s.mu.Lock()
	dst := s.clients[target]
	s.mu.Unlock()
	if dst == nil || !dst.enqueue(msg) {
		return fmt.Errorf("peer %s is not connected", target)
	}
	return nil
}
