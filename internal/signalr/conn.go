package signalr

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned by Send before the dial has completed.
var ErrNotConnected = errors.New("transport not connected")

const (
	// defaultHandshakeTimeout bounds the websocket upgrade.
	defaultHandshakeTimeout = 10 * time.Second

	// defaultSendTimeout bounds every write.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit caps inbound message size.
	defaultReadLimit = 1 << 20 // 1MB
)

// EventKind discriminates transport events.
type EventKind int

const (
	// EventOpened fires once when the dial and upgrade succeed.
	EventOpened EventKind = iota

	// EventFrame carries one inbound transport message (which may contain
	// several protocol frames).
	EventFrame

	// EventClosed fires exactly once when the connection ends, whether
	// the dial failed, the peer closed, or Close was called.
	EventClosed
)

// Event is a discrete transport event. Gen identifies the connection that
// produced it, so a consumer can discard events from superseded
// connections.
type Event struct {
	Gen        uint64
	Kind       EventKind
	Data       []byte
	ReceivedAt time.Time
	Err        error
}

// Conn is one connection attempt to the hub endpoint. Connect returns
// immediately; the dial happens on a background goroutine and every
// outcome is delivered as an Event, so the caller never blocks on the
// network.
type Conn struct {
	gen    uint64
	events chan<- Event

	// ws stores the live *websocket.Conn once the dial succeeds.
	ws atomic.Value

	// closeOnce makes Close idempotent; closedOnce guarantees exactly one
	// EventClosed per connection.
	closeOnce  sync.Once
	closedOnce sync.Once

	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// Connect starts a connection attempt against endpoint, authenticating with
// the bearer token as an access_token query parameter. Events carry gen so
// the consumer can tell this connection's events apart from older ones.
func Connect(ctx context.Context, endpoint, token string, gen uint64, events chan<- Event) *Conn {
	ctx, cancel := context.WithCancel(ctx)

	c := &Conn{
		gen:    gen,
		events: events,
		cancel: cancel,
	}

	go c.run(ctx, endpoint, token)
	return c
}

func (c *Conn) run(ctx context.Context, endpoint, token string) {
	logger := log.With().
		Str("component", "signalr").
		Uint64("gen", c.gen).
		Logger()

	target := endpoint + "?access_token=" + url.QueryEscape(token)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, target, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Error().Err(err).Int("statusCode", resp.StatusCode).Msg("dial failed")
		} else {
			logger.Error().Err(err).Msg("dial failed")
		}
		c.emitClosed(err)
		return
	}

	ws.SetReadLimit(defaultReadLimit)
	c.ws.Store(ws)

	// The caller may have torn us down while the dial was in flight.
	if ctx.Err() != nil {
		ws.Close()
		c.emitClosed(ctx.Err())
		return
	}

	logger.Info().Msg("transport open")
	c.emit(Event{Gen: c.gen, Kind: EventOpened, ReceivedAt: time.Now()})

	c.readLoop(ctx, ws, logger)
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn, logger zerolog.Logger) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				if websocket.IsUnexpectedCloseError(err) {
					logger.Warn().Err(err).Msg("unexpected close")
				} else {
					logger.Info().Err(err).Msg("read loop ended")
				}
			}
			c.emitClosed(err)
			return
		}
		c.emit(Event{Gen: c.gen, Kind: EventFrame, Data: data, ReceivedAt: time.Now()})
	}
}

// Send writes one pre-framed payload with a bounded deadline. Errors are
// returned to the caller but also end the connection from the peer's
// perspective soon after, so callers treat them as advisory.
func (c *Conn) Send(payload []byte) error {
	ws, _ := c.ws.Load().(*websocket.Conn)
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ws.SetWriteDeadline(time.Now().Add(defaultSendTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, payload)
}

// Close tears the connection down. Safe to call at any point of the
// lifecycle and more than once; the EventClosed is still delivered exactly
// once (by the read loop or dial goroutine noticing the teardown).
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if ws, _ := c.ws.Load().(*websocket.Conn); ws != nil {
			ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			ws.Close()
		}
	})
}

func (c *Conn) emitClosed(err error) {
	c.closedOnce.Do(func() {
		c.emit(Event{Gen: c.gen, Kind: EventClosed, Err: err, ReceivedAt: time.Now()})
	})
}

// emit delivers an event without ever blocking the read loop forever: the
// engine drains its event channel continuously, so a full channel means it
// is shutting down.
func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-time.After(defaultSendTimeout):
		log.Warn().Str("component", "signalr").Uint64("gen", c.gen).Msg("event channel stalled, dropping event")
	}
}
