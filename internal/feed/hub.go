// Package feed fans the live last-traded price out to websocket observers.
//
// The hub uses the actor model pattern: a single goroutine owns the session
// list, so registration, teardown and broadcast never race and no mutex is
// needed. Observers are best-effort: a send failure drops only that
// observer, and the session list is bounded by trimming to the most recent
// connections.
package feed

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// maxSessions bounds the observer list; when exceeded the oldest
	// sessions are trimmed down to keepSessions.
	maxSessions  = 100
	keepSessions = 50

	// sendTimeout bounds each observer write so one stalled client cannot
	// hold up the broadcast.
	sendTimeout = 2 * time.Second
)

// PriceUpdate is the message observers receive whenever the last traded
// price changes. Direction is +1 on an uptick and -1 on a downtick.
type PriceUpdate struct {
	Type      string  `json:"type"`
	Price     float64 `json:"price"`
	Direction int     `json:"direction"`
}

// snapshot is the initial message sent to a freshly connected observer.
type snapshot struct {
	Type  string  `json:"type"`
	Price float64 `json:"price"`
}

// Hub is the fan-out actor. All state is owned by the Run goroutine.
type Hub struct {
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan PriceUpdate

	sessions  []*websocket.Conn
	lastPrice float64
}

// NewHub creates a Hub; call Run to start it.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *websocket.Conn, 10),
		unregister: make(chan *websocket.Conn, 10),
		broadcast:  make(chan PriceUpdate, 256),
	}
}

// Run processes registrations and broadcasts until the context ends, then
// closes every session.
func (h *Hub) Run(ctx context.Context) {
	logger := log.With().Str("component", "feed").Logger()
	logger.Info().Msg("feed hub started")

	for {
		select {
		case <-ctx.Done():
			for _, s := range h.sessions {
				s.Close()
			}
			h.sessions = nil
			logger.Info().Msg("feed hub stopped")
			return

		case conn := <-h.register:
			h.add(conn)

		case conn := <-h.unregister:
			h.remove(conn)

		case update := <-h.broadcast:
			h.lastPrice = update.Price
			h.send(update)
		}
	}
}

// Register adds an observer. The initial snapshot is sent from the hub
// goroutine once the session is adopted.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes an observer, closing its connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	default:
	}
}

// BroadcastPrice queues a price update for all observers. Never blocks the
// caller: when the hub is saturated the update is dropped, since only the
// latest price matters to observers.
func (h *Hub) BroadcastPrice(price float64, direction int) {
	select {
	case h.broadcast <- PriceUpdate{Type: "price", Price: price, Direction: direction}:
	default:
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.sessions = append(h.sessions, conn)

	if len(h.sessions) > maxSessions {
		dropped := h.sessions[:len(h.sessions)-keepSessions]
		h.sessions = append([]*websocket.Conn(nil), h.sessions[len(h.sessions)-keepSessions:]...)
		for _, s := range dropped {
			s.Close()
		}
		log.Warn().Str("component", "feed").Int("dropped", len(dropped)).Msg("session limit reached, trimmed oldest observers")
	}

	body, _ := json.Marshal(snapshot{Type: "init", Price: h.lastPrice})
	if err := h.write(conn, body); err != nil {
		h.remove(conn)
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	for i, s := range h.sessions {
		if s == conn {
			h.sessions = append(h.sessions[:i], h.sessions[i+1:]...)
			break
		}
	}
	conn.Close()
}

// send delivers one update to every session; failed sessions are dropped
// after the sweep so one bad observer never aborts the broadcast.
func (h *Hub) send(update PriceUpdate) {
	body, err := json.Marshal(update)
	if err != nil {
		return
	}

	var failed []*websocket.Conn
	for _, s := range h.sessions {
		if err := h.write(s, body); err != nil {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		h.remove(s)
	}
}

func (h *Hub) write(conn *websocket.Conn, body []byte) error {
	conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	return conn.WriteMessage(websocket.TextMessage, body)
}
