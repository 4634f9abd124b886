package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/kristinkand/nocturne-sub010/internal/correlation"
	"github.com/kristinkand/nocturne-sub010/internal/models"
)

const (
	defaultStreamBuffer = 64
	streamWriteTimeout  = 5 * time.Second
)

// Hub fans comparison results out to websocket subscribers.
//
// Persist never blocks on a subscriber: a client whose buffer is full misses
// the event and the drop is counted.
type Hub struct {
	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
	buffer  int
	dropped atomic.Int64
}

type subscriber struct {
	send chan []byte
}

// NewHub creates a hub. bufferSize is the per-subscriber queue length.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultStreamBuffer
	}
	return &Hub{clients: make(map[*subscriber]struct{}), buffer: bufferSize}
}

// Persist broadcasts result to every subscriber.
func (h *Hub) Persist(_ context.Context, result *models.ComparisonResult) error {
	if result == nil {
		return nil
	}
	msg, err := json.Marshal(result)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.clients {
		select {
		case s.send <- msg:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many events were skipped for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) subscribe() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	s := &subscriber{send: make(chan []byte, h.buffer)}
	h.clients[s] = struct{}{}
	return s, true
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[s]; ok {
		delete(h.clients, s)
		close(s.send)
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.clients {
		delete(h.clients, s)
		close(s.send)
	}
	return nil
}

// ServeHTTP upgrades the request and streams results until either side
// goes away. Messages from the client are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		correlation.Logger(r.Context()).Debug().Err(err).Msg("stream: accept failed")
		return
	}

	s, ok := h.subscribe()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unsubscribe(s)

	ctx := conn.CloseRead(r.Context())
	correlation.Logger(r.Context()).Debug().Str("remote", r.RemoteAddr).Msg("stream: subscriber connected")

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-s.send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				correlation.Logger(r.Context()).Debug().Err(err).Msg("stream: write failed")
				return
			}
		}
	}
}
