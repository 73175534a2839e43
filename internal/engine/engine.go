// Package engine drives the live market-data session for one
// instrument/timeframe pair: it owns the push-protocol connection state
// machine, the periodic scheduler, the raw-message buffer and the cumulative
// counters, and routes inbound frames into the candle accumulator.
//
// The engine is logically single-threaded: every mutation of connection
// state, the open candle, the quote and the raw buffer happens on the one
// goroutine running the event loop. Transport callbacks, the scheduler and
// the admin surface all talk to that loop through channels, so no two
// mutations ever race and no lock is held anywhere in the hot path.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"footprint/internal/candle"
	"footprint/internal/feed"
	"footprint/internal/model"
	"footprint/internal/signalr"
	"footprint/internal/storage"
	"footprint/internal/ticks"
)

// ErrNoToken is returned when a token update carries an empty token.
var ErrNoToken = errors.New("empty access token")

// errStatusTimeout is returned when the event loop cannot answer a status
// query in time (it is shutting down or not yet running).
var errStatusTimeout = errors.New("engine busy")

const (
	// queryTimeout bounds admin-surface round trips into the event loop.
	queryTimeout = 2 * time.Second

	// subscribedTickInterval is the scheduler period while streaming;
	// faster polling reduces candle-close latency.
	subscribedTickInterval = time.Second

	// idleTickInterval is the scheduler period in every other state.
	idleTickInterval = 5 * time.Second

	// quickRetryDelay is used after stale-connection resets and rejected
	// subscriptions instead of the full backoff delay.
	quickRetryDelay = time.Second
)

// Options carries the tunable engine parameters. Zero values are replaced
// with the production defaults.
type Options struct {
	WSURL               string
	LivenessTimeout     time.Duration
	RawFlushInterval    time.Duration
	RawFlushMaxBatch    int
	RawSpikeLimit       int
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	LargeTradeThreshold float64
}

func (o *Options) applyDefaults() {
	if o.LivenessTimeout == 0 {
		o.LivenessTimeout = 20 * time.Second
	}
	if o.RawFlushInterval == 0 {
		o.RawFlushInterval = 5 * time.Second
	}
	if o.RawFlushMaxBatch == 0 {
		o.RawFlushMaxBatch = 50
	}
	if o.RawSpikeLimit == 0 {
		o.RawSpikeLimit = 500
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = 2 * time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = time.Minute
	}
	if o.LargeTradeThreshold == 0 {
		o.LargeTradeThreshold = 10
	}
}

// command is an admin request routed into the event loop.
type command struct {
	token        string
	tokenReply   chan error
	statusReply  chan model.Status
	metricsReply chan model.Metrics
}

// Engine is one instrument session. Multiple independent engines share no
// state and need no coordination.
type Engine struct {
	inst    model.Instrument
	opts    Options
	gateway *storage.Gateway
	hub     *feed.Hub

	class *ticks.Classifier
	acc   *candle.Accumulator

	events   chan signalr.Event
	commands chan command

	// Everything below is owned by the Run goroutine.
	state          model.ConnState
	conn           *signalr.Conn
	gen            uint64
	token          string
	nextConnectAt  time.Time
	reconnectDelay time.Duration
	subs           model.SubFlags
	pending        map[string]string // invocation id -> "trade" | "quote"
	lastMsgAt      time.Time
	connStartedAt  time.Time
	lastPrice      float64
	rawBuf         []storage.RawEntry
	lastRawFlush   time.Time
	metrics        model.Metrics
	runCtx         context.Context
	logger         zerolog.Logger
}

// New creates an Engine. Run must be called before the admin surface is
// used.
func New(inst model.Instrument, opts Options, gateway *storage.Gateway, hub *feed.Hub) *Engine {
	opts.applyDefaults()

	e := &Engine{
		inst:     inst,
		opts:     opts,
		gateway:  gateway,
		hub:      hub,
		class:    ticks.NewClassifier(inst.TickSize),
		events:   make(chan signalr.Event, 256),
		commands: make(chan command, 16),
		pending:  map[string]string{},
		logger: log.With().
			Str("component", "engine").
			Str("symbol", inst.Symbol).
			Str("timeframe", inst.Timeframe).
			Logger(),
	}
	e.reconnectDelay = opts.ReconnectBaseDelay
	e.acc = candle.NewAccumulator(inst, e.class, opts.LargeTradeThreshold, e.finalizeAndPersist)
	return e
}

// Run executes the event loop until the context ends. The persisted access
// token, if any, is restored first so the engine resumes streaming after a
// restart without re-authenticating.
func (e *Engine) Run(ctx context.Context) {
	e.runCtx = ctx
	e.lastRawFlush = time.Now()

	if token, err := e.gateway.LoadToken(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("failed to restore access token")
	} else if token != "" {
		e.token = token
		e.logger.Info().Msg("access token restored")
	}

	e.logger.Info().Msg("engine started")

	timer := time.NewTimer(e.tickInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return

		case ev := <-e.events:
			e.handleTransportEvent(ev)

		case cmd := <-e.commands:
			e.handleCommand(cmd)

		case <-timer.C:
			e.onTick()
			timer.Reset(e.tickInterval())
		}
	}
}

// tickInterval recomputes the scheduler period from connection health.
func (e *Engine) tickInterval() time.Duration {
	if e.state == model.Subscribed {
		return subscribedTickInterval
	}
	return idleTickInterval
}

// onTick is the periodic driver: connection attempts, the liveness
// watchdog, raw-buffer flushes and candle boundary rollover all originate
// here.
func (e *Engine) onTick() {
	now := time.Now()

	if e.token == "" {
		return
	}

	if e.state == model.Disconnected && !now.Before(e.nextConnectAt) {
		e.connect()
	}

	// Liveness watchdog: a nominally connected transport with no inbound
	// traffic is torn down actively rather than waiting for the peer to
	// notice. Before the first inbound message the connection start time
	// stands in, so a dial that never produces an event cannot wedge the
	// state machine.
	lastSign := e.lastMsgAt
	if lastSign.IsZero() {
		lastSign = e.connStartedAt
	}
	if e.state != model.Disconnected && !lastSign.IsZero() && now.Sub(lastSign) > e.opts.LivenessTimeout {
		e.logger.Warn().
			Dur("silent_for", now.Sub(lastSign)).
			Msg("stale connection, resetting")
		e.metrics.StaleResets++
		e.reconnectDelay = e.opts.ReconnectBaseDelay
		e.teardown(quickRetryDelay)
	}

	if len(e.rawBuf) > 0 &&
		(now.Sub(e.lastRawFlush) > e.opts.RawFlushInterval || len(e.rawBuf) > e.opts.RawFlushMaxBatch) {
		e.flushRaw()
	}

	// Force-close the open candle once wall clock passes its boundary, so
	// candles close on schedule even during silent periods.
	e.acc.CloseExpired(now.UnixMilli())
}

// connect starts a new connection attempt. The dial itself is asynchronous;
// the state machine advances on the resulting transport events.
func (e *Engine) connect() {
	e.gen++
	e.state = model.Connecting
	e.connStartedAt = time.Now()
	e.metrics.Reconnects++
	e.logger.Info().Uint64("gen", e.gen).Msg("connecting")
	e.conn = signalr.Connect(e.runCtx, e.opts.WSURL, e.token, e.gen, e.events)
}

// teardown closes any live transport and returns to Disconnected with the
// next attempt scheduled retryIn from now. The generation bump makes the
// loop ignore any events still in flight from the old connection.
func (e *Engine) teardown(retryIn time.Duration) {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.gen++
	e.state = model.Disconnected
	e.nextConnectAt = time.Now().Add(retryIn)
	e.subs = model.SubFlags{}
	e.pending = map[string]string{}
	e.lastMsgAt = time.Time{}
}

func (e *Engine) handleTransportEvent(ev signalr.Event) {
	if ev.Gen != e.gen {
		return // superseded connection
	}
	e.lastMsgAt = ev.ReceivedAt

	switch ev.Kind {
	case signalr.EventOpened:
		if e.state == model.Connecting {
			e.state = model.HandshakeSent
			if err := e.conn.Send(signalr.Handshake()); err != nil {
				e.logger.Error().Err(err).Msg("handshake send failed")
				e.teardown(e.reconnectDelay)
			}
		}

	case signalr.EventClosed:
		e.logger.Info().Err(ev.Err).Msg("transport closed")
		e.conn = nil
		e.gen++
		e.state = model.Disconnected
		e.nextConnectAt = time.Now().Add(e.reconnectDelay)
		e.reconnectDelay = e.backoff(e.reconnectDelay)
		e.subs = model.SubFlags{}
		e.pending = map[string]string{}
		e.lastMsgAt = time.Time{}

	case signalr.EventFrame:
		e.appendRaw(ev)
		for _, frame := range signalr.SplitFrames(ev.Data) {
			e.handleFrame(frame, ev.ReceivedAt)
		}
	}
}

// backoff multiplies the reconnect delay by 1.5 up to the configured cap.
func (e *Engine) backoff(d time.Duration) time.Duration {
	next := d * 3 / 2
	if next > e.opts.ReconnectMaxDelay {
		next = e.opts.ReconnectMaxDelay
	}
	return next
}

// appendRaw archives the inbound message regardless of whether it parses,
// forcing an out-of-band flush when the spike guard trips.
func (e *Engine) appendRaw(ev signalr.Event) {
	e.rawBuf = append(e.rawBuf, storage.RawEntry{Raw: string(ev.Data), TS: ev.ReceivedAt.UnixMilli()})
	if len(e.rawBuf) > e.opts.RawSpikeLimit {
		e.flushRaw()
	}
}

func (e *Engine) handleFrame(frame []byte, receivedAt time.Time) {
	if signalr.IsHandshakeAck(frame) {
		if e.state == model.HandshakeSent {
			e.logger.Info().Msg("handshake confirmed")
			e.state = model.SubscribeSent
			e.subs = model.SubFlags{}
			e.pending = map[string]string{}
			e.subscribe()
		}
		return
	}

	msg, err := signalr.ParseMessage(frame)
	if err != nil {
		e.metrics.ParseErrors++
		return
	}

	switch {
	case msg.Type == signalr.TypePing:
		// Liveness timestamp already updated; nothing else to do.

	case msg.Type == signalr.TypeCompletion && msg.InvocationID != "":
		e.handleCompletion(msg)

	case msg.Target == signalr.TargetQuote:
		e.handleQuote(msg)

	case msg.Target == signalr.TargetTrade:
		e.handleTrades(msg, receivedAt)
	}
}

// subscribe sends the trade and quote channel subscriptions, each tagged
// with a fresh correlation id recorded in the pending map.
func (e *Engine) subscribe() {
	for method, channel := range map[string]string{
		signalr.MethodSubscribeTrades: "trade",
		signalr.MethodSubscribeQuotes: "quote",
	} {
		id := signalr.NewInvocationID()
		frame, err := signalr.Subscribe(method, e.inst.VendorSymbol(), id)
		if err != nil {
			e.logger.Error().Err(err).Str("channel", channel).Msg("failed to build subscribe frame")
			continue
		}
		e.pending[id] = channel
		if err := e.conn.Send(frame); err != nil {
			e.logger.Error().Err(err).Str("channel", channel).Msg("subscribe send failed")
		}
	}
}

// handleCompletion resolves a pending subscription. An error completion for
// either channel forces an immediate close and a quick reconnect rather
// than a partially-subscribed limbo state; success on both channels is what
// promotes the session to Subscribed and resets the backoff.
func (e *Engine) handleCompletion(msg signalr.Message) {
	channel, ok := e.pending[msg.InvocationID]
	if !ok {
		return
	}

	if msg.Error != "" {
		e.logger.Error().Str("channel", channel).Str("error", msg.Error).Msg("subscription rejected")
		e.teardown(quickRetryDelay)
		return
	}

	delete(e.pending, msg.InvocationID)
	switch channel {
	case "trade":
		e.subs.Trade = true
	case "quote":
		e.subs.Quote = true
	}
	e.logger.Info().Str("channel", channel).Msg("subscription confirmed")
	e.reconnectDelay = e.opts.ReconnectBaseDelay

	if e.subs.Trade && e.subs.Quote {
		e.state = model.Subscribed
		e.logger.Info().Msg("fully subscribed")
	}
}

func (e *Engine) handleQuote(msg signalr.Message) {
	q, err := signalr.ParseQuote(msg)
	if err != nil {
		e.metrics.ParseErrors++
		return
	}
	if q.Symbol != e.inst.VendorSymbol() && q.Symbol != e.inst.Symbol {
		return
	}

	e.class.SetQuote(q.BestBid, q.BestAsk)
	e.acc.OnQuote(q.BestBid, q.BestAsk)
}

func (e *Engine) handleTrades(msg signalr.Message, receivedAt time.Time) {
	trades, err := signalr.ParseTrades(msg)
	if err != nil {
		e.metrics.ParseErrors++
		return
	}

	for _, t := range trades {
		e.processTrade(t, receivedAt)
	}
}

func (e *Engine) processTrade(t signalr.Trade, receivedAt time.Time) {
	outcome := e.acc.OnTrade(t.Price, t.Volume, t.Type, t.EventTimeMillis(receivedAt))
	if outcome == candle.TradeInvalid {
		return
	}

	e.metrics.TradesProcessed++
	if outcome == candle.TradeLate {
		e.metrics.LateDropped++
	}

	if t.Price != e.lastPrice {
		// The first price ever seen prints as a downtick.
		direction := -1
		if e.lastPrice > 0 && t.Price > e.lastPrice {
			direction = 1
		}
		e.lastPrice = t.Price
		e.hub.BroadcastPrice(t.Price, direction)
	}
}

// finalizeAndPersist is the accumulator's close callback: it freezes the
// candle and writes the immutable record. A write failure is logged and
// counted against the candle, never retried; the raw audit trail covers
// recovery.
func (e *Engine) finalizeAndPersist(c *model.Candle) {
	if !candle.Finalize(c, e.acc.Converter()) {
		return
	}

	e.logger.Info().
		Str("t0", c.T0).
		Float64("vol", c.Vol).
		Float64("delta", c.Delta).
		Msg("closing candle")

	if err := e.gateway.PutCandle(e.runCtx, c); err != nil {
		e.logger.Error().Err(err).Str("t0", c.T0).Msg("candle flush failed")
		return
	}
	e.metrics.CandlesFlushed++
}

// flushRaw writes the buffered frames as one batch. The buffer is cleared
// only after a successful write, so a failed flush is retried on the next
// scheduler tick instead of losing data.
func (e *Engine) flushRaw() {
	if len(e.rawBuf) == 0 {
		return
	}

	if err := e.gateway.PutRawBatch(e.runCtx, e.rawBuf, time.Now()); err != nil {
		e.logger.Error().Err(err).Int("batch", len(e.rawBuf)).Msg("raw flush failed, keeping buffer")
		return
	}

	e.metrics.RawFlushed += int64(len(e.rawBuf))
	e.rawBuf = e.rawBuf[:0]
	e.lastRawFlush = time.Now()
}

func (e *Engine) handleCommand(cmd command) {
	switch {
	case cmd.tokenReply != nil:
		cmd.tokenReply <- e.applyToken(cmd.token)

	case cmd.statusReply != nil:
		cmd.statusReply <- e.snapshot()

	case cmd.metricsReply != nil:
		cmd.metricsReply <- e.metrics
	}
}

// applyToken installs a new access token, persists it, and restarts the
// state machine from Disconnected with the backoff reset.
func (e *Engine) applyToken(token string) error {
	if token == "" {
		return ErrNoToken
	}

	e.token = token
	if err := e.gateway.SaveToken(e.runCtx, token); err != nil {
		e.logger.Warn().Err(err).Msg("failed to persist access token")
	}

	e.teardown(0)
	e.reconnectDelay = e.opts.ReconnectBaseDelay
	e.nextConnectAt = time.Time{}
	e.connect()
	return nil
}

func (e *Engine) snapshot() model.Status {
	ageMS := int64(-1)
	if !e.lastMsgAt.IsZero() {
		ageMS = time.Since(e.lastMsgAt).Milliseconds()
	}

	return model.Status{
		Symbol:       e.inst.Symbol,
		Timeframe:    e.inst.Timeframe,
		BarMS:        e.inst.BarMillis(),
		ConnState:    e.state.String(),
		Subs:         e.subs,
		TokenValid:   e.token != "",
		LastMsgAgeMS: ageMS,
		BufferLen:    len(e.rawBuf),
		CandleOpen:   e.acc.Current() != nil,
		LastPrice:    e.lastPrice,
		BestBid:      e.class.BestBid(),
		BestAsk:      e.class.BestAsk(),
	}
}

// shutdown flushes what it can and closes the transport.
func (e *Engine) shutdown() {
	e.acc.CloseExpired(time.Now().UnixMilli())
	e.flushRaw()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.logger.Info().Msg("engine stopped")
}

// UpdateToken installs a new bearer token and (re)starts the connection
// state machine. Safe to call from any goroutine.
func (e *Engine) UpdateToken(token string) error {
	reply := make(chan error, 1)
	select {
	case e.commands <- command{token: token, tokenReply: reply}:
	case <-time.After(queryTimeout):
		return errStatusTimeout
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(queryTimeout):
		return errStatusTimeout
	}
}

// Status returns a diagnostic snapshot. Safe to call from any goroutine.
func (e *Engine) Status() (model.Status, error) {
	reply := make(chan model.Status, 1)
	select {
	case e.commands <- command{statusReply: reply}:
	case <-time.After(queryTimeout):
		return model.Status{}, errStatusTimeout
	}
	select {
	case s := <-reply:
		return s, nil
	case <-time.After(queryTimeout):
		return model.Status{}, errStatusTimeout
	}
}

// Metrics returns the cumulative counters. Safe to call from any
// goroutine.
func (e *Engine) Metrics() (model.Metrics, error) {
	reply := make(chan model.Metrics, 1)
	select {
	case e.commands <- command{metricsReply: reply}:
	case <-time.After(queryTimeout):
		return model.Metrics{}, errStatusTimeout
	}
	select {
	case m := <-reply:
		return m, nil
	case <-time.After(queryTimeout):
		return model.Metrics{}, errStatusTimeout
	}
}
