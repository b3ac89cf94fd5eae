package relay

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type pipeEnd struct {
	conn *websocket.Conn
	done chan struct{}
}

// PipeURL returns the proof pipe address for id on the relay at relayURL.
// Prover and verifier both dial it; the relay joins the two sockets.
func PipeURL(relayURL, id string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), SignalPath) + PipePath + url.PathEscape(id)
	u.RawPath = ""
	u.RawQuery = ""
	return u.String(), nil
}

// servePipe parks the first socket for an id until a second one arrives,
// then copies frames between them until either side closes.
func (s *Server) servePipe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade pipe connection", zap.Error(err))
		return
	}
	defer conn.Close()

	s.mu.Lock()
	waiting, ok := s.pipes[id]
	if ok {
		delete(s.pipes, id)
	} else {
		waiting = make(chan pipeEnd, 1)
		s.pipes[id] = waiting
	}
	s.mu.Unlock()

	if ok {
		end := pipeEnd{conn: conn, done: make(chan struct{})}
		waiting <- end
		<-end.done
		return
	}

	timer := time.NewTimer(s.pipeWait)
	defer timer.Stop()
	select {
	case other := <-waiting:
		s.logger.Debug("Proof pipe joined", zap.String("pipe_id", id))
		bridge(conn, other.conn)
		other.conn.Close()
		close(other.done)
	case <-timer.C:
		s.mu.Lock()
		mine := s.pipes[id] == waiting
		if mine {
			delete(s.pipes, id)
		}
		s.mu.Unlock()
		if !mine {
			// the peer claimed the pipe while the timer fired
			other := <-waiting
			bridge(conn, other.conn)
			other.conn.Close()
			close(other.done)
			return
		}
		s.logger.Warn("Proof pipe timed out waiting for peer", zap.String("pipe_id", id))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "peer did not join"), time.Now().Add(writeWait))
	}
}

func bridge(a, b *websocket.Conn) {
	errc := make(chan error, 2)
	copyFrames := func(dst, src *websocket.Conn) {
		for {
			typ, data, err := src.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			if err := dst.WriteMessage(typ, data); err != nil {
				errc <- err
				return
			}
		}
	}
	go copyFrames(a, b)
	go copyFrames(b, a)
	<-errc
	a.Close()
	b.Close()
	<-errc
}
