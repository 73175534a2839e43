package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"footprint/internal/feed"
	"footprint/internal/model"
	"footprint/internal/storage"
)

// stubEngine is a canned EngineControl implementation recording the tokens
// it received.
type stubEngine struct {
	tokens    []string
	tokenErr  error
	status    model.Status
	statusErr error
	metrics   model.Metrics
}

func (s *stubEngine) UpdateToken(token string) error {
	s.tokens = append(s.tokens, token)
	return s.tokenErr
}

func (s *stubEngine) Status() (model.Status, error) {
	return s.status, s.statusErr
}

func (s *stubEngine) Metrics() (model.Metrics, error) {
	return s.metrics, nil
}

// apiFixture hosts the full router over a stub engine, an in-memory store
// and a live feed hub.
type apiFixture struct {
	engine  *stubEngine
	store   *storage.FSStore
	feedHub *feed.Hub
	server  *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	inst, err := model.NewInstrument("ENQ", "1m", 0.25)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	f := &apiFixture{
		engine:  &stubEngine{},
		store:   storage.NewFSStore(afero.NewMemMapFs(), "data"),
		feedHub: feed.NewHub(),
	}
	go f.feedHub.Run(ctx)

	srv := NewServer(f.engine, storage.NewGateway(f.store, inst), f.feedHub)
	f.server = httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		f.server.Close()
		cancel()
	})
	return f
}

func (f *apiFixture) getJSON(t *testing.T, path string, expectCode int) map[string]any {
	t.Helper()

	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, expectCode, resp.StatusCode, "Unexpected status for %s", path)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

// Test_HandleRoot tests the health endpoint.
func Test_HandleRoot(t *testing.T) {
	f := newAPIFixture(t)

	body := f.getJSON(t, "/", http.StatusOK)
	assert.Equal(t, "OK", body["status"])
}

// Test_HandleTokenStatus tests the credential status projection.
func Test_HandleTokenStatus(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.status = model.Status{TokenValid: true, ConnState: "SUBSCRIBED"}

	body := f.getJSON(t, "/token-status", http.StatusOK)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "SUBSCRIBED", body["ws_state"])
}

// Test_HandleUpdateToken tests token install including the empty-token
// rejection.
func Test_HandleUpdateToken(t *testing.T) {
	f := newAPIFixture(t)

	body := f.getJSON(t, "/update-token?token=abc123", http.StatusOK)
	assert.Equal(t, true, body["ok"])
	require.Len(t, f.engine.tokens, 1)
	assert.Equal(t, "abc123", f.engine.tokens[0], "Token must reach the engine verbatim")

	f.getJSON(t, "/update-token", http.StatusBadRequest)
	assert.Len(t, f.engine.tokens, 1, "A missing token must never reach the engine")
}

// Test_HandleData tests the hourly candle query: NDJSON payload, CORS
// header, and the 404 for empty hours.
func Test_HandleData(t *testing.T) {
	f := newAPIFixture(t)

	key := "footprint/ENQ/1m/2024/01/15/10/1705312800000.json"
	require.NoError(t, f.store.Put(context.Background(), key, []byte(`{"v":3,"vol":8}`)))

	resp, err := http.Get(f.server.URL + "/data/2024/01/15/10")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"v":3,"vol":8}`+"\n", string(payload))

	missing, err := http.Get(f.server.URL + "/data/2024/01/15/23")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode, "An hour with no candles is a 404")
}

// Test_HandleDebug tests the diagnostic snapshot passthrough.
func Test_HandleDebug(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.status = model.Status{
		Symbol:       "ENQ",
		Timeframe:    "1m",
		ConnState:    "SUBSCRIBED",
		LastMsgAgeMS: 120,
		CandleOpen:   true,
	}

	body := f.getJSON(t, "/debug", http.StatusOK)
	assert.Equal(t, "ENQ", body["symbol"])
	assert.Equal(t, "SUBSCRIBED", body["ws_state"])
	assert.Equal(t, 120.0, body["last_msg_age_ms"])
	assert.Equal(t, true, body["candle_open"])
}

// Test_HandleMetrics tests the counter passthrough.
func Test_HandleMetrics(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.metrics = model.Metrics{TradesProcessed: 42, Reconnects: 3}

	body := f.getJSON(t, "/metrics", http.StatusOK)
	assert.Equal(t, 42.0, body["tradesProcessed"])
	assert.Equal(t, 3.0, body["reconnects"])
}

// Test_HandleStream tests the websocket upgrade path end to end: connect,
// receive the snapshot, receive a broadcast.
func Test_HandleStream(t *testing.T) {
	f := newAPIFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "Stream endpoint should upgrade")
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Equal(t, "init", snapshot["type"], "First message is the snapshot")

	f.feedHub.BroadcastPrice(100.25, 1)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)

	var update map[string]any
	require.NoError(t, json.Unmarshal(data, &update))
	assert.Equal(t, "price", update["type"])
	assert.Equal(t, 100.25, update["price"])
}

// Test_EngineUnavailable tests that admin endpoints surface engine
// timeouts as 503.
func Test_EngineUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.statusErr = assert.AnError

	f.getJSON(t, "/debug", http.StatusServiceUnavailable)
	f.getJSON(t, "/token-status", http.StatusServiceUnavailable)
}
