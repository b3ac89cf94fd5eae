package service

import (
	"encoding/json"
	"sync"
)

// Event types pushed to UI subscribers.
const (
	EventRequest     = "request"
	EventP2P         = "p2p"
	EventApprovals   = "approvals"
	EventProofResult = "proof_result"
	EventError       = "error"
	EventRPCResult   = "rpc_result"
)

const subscriberBuffer = 64

// Event is one push to UI subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// hub fans events out to subscribers without blocking. A subscriber whose
// buffer is full misses the event.
type hub struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan []byte]struct{})}
}

func (h *hub) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *hub) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// Subscribe returns a channel of JSON encoded events.
func (s *Service) Subscribe() (<-chan []byte, func()) {
	return s.hub.subscribe()
}
