package signalr

import (
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_SplitFrames tests record-separator frame splitting.
func Test_SplitFrames(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected []string
	}{
		{
			name:     "Single terminated frame",
			input:    []byte("{\"type\":6}\x1e"),
			expected: []string{`{"type":6}`},
		},
		{
			name:     "Multiple frames in one message",
			input:    []byte("{}\x1e{\"type\":6}\x1e{\"type\":3}\x1e"),
			expected: []string{`{}`, `{"type":6}`, `{"type":3}`},
		},
		{
			name:     "Unterminated trailing frame is kept",
			input:    []byte("{\"type\":6}\x1e{\"type\":3}"),
			expected: []string{`{"type":6}`, `{"type":3}`},
		},
		{
			name:     "Empty message yields no frames",
			input:    []byte{},
			expected: []string{},
		},
		{
			name:     "Separator only yields no frames",
			input:    []byte{0x1e, 0x1e},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := SplitFrames(tt.input)

			require.Len(t, frames, len(tt.expected), "Frame count should match")
			for i, f := range frames {
				assert.Equal(t, tt.expected[i], string(f))
			}
		})
	}
}

// Test_Handshake tests the protocol negotiation frame and its
// acknowledgement detection.
func Test_Handshake(t *testing.T) {
	frame := Handshake()

	require.Equal(t, byte(0x1e), frame[len(frame)-1], "Handshake must carry the record terminator")
	assert.JSONEq(t, `{"protocol":"json","version":1}`, string(frame[:len(frame)-1]))

	assert.True(t, IsHandshakeAck([]byte("{}")), "Empty object is the handshake ack")
	assert.False(t, IsHandshakeAck([]byte(`{"type":6}`)), "Data frames are not acks")
	assert.False(t, IsHandshakeAck([]byte("")), "Empty frame is not an ack")
}

// Test_Subscribe tests the subscription invocation wire format.
func Test_Subscribe(t *testing.T) {
	id := NewInvocationID()
	require.NotEmpty(t, id)

	frame, err := Subscribe(MethodSubscribeTrades, "F.US.ENQ", id)
	require.NoError(t, err)
	require.Equal(t, byte(0x1e), frame[len(frame)-1], "Invocation must carry the record terminator")

	var inv struct {
		Type         int    `json:"type"`
		Target       string `json:"target"`
		Arguments    []any  `json:"arguments"`
		InvocationID string `json:"invocationId"`
	}
	require.NoError(t, json.Unmarshal(frame[:len(frame)-1], &inv))

	assert.Equal(t, TypeInvocation, inv.Type)
	assert.Equal(t, "SubscribeTradeLogWithSpeed", inv.Target)
	assert.Equal(t, id, inv.InvocationID)
	require.Len(t, inv.Arguments, 2, "Arguments are the vendor symbol and the speed flag")
	assert.Equal(t, "F.US.ENQ", inv.Arguments[0])
	assert.EqualValues(t, 0, inv.Arguments[1])

	// Correlation ids must not collide across invocations.
	assert.NotEqual(t, id, NewInvocationID())
}

// Test_ParseMessage tests envelope decoding for each frame kind.
func Test_ParseMessage(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		expectErr bool
		check     func(t *testing.T, msg Message)
	}{
		{
			name:  "Ping frame",
			frame: `{"type":6}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, TypePing, msg.Type)
			},
		},
		{
			name:  "Completion with error",
			frame: `{"type":3,"invocationId":"abc","error":"no such symbol"}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, TypeCompletion, msg.Type)
				assert.Equal(t, "abc", msg.InvocationID)
				assert.Equal(t, "no such symbol", msg.Error)
			},
		},
		{
			name:  "Quote data frame",
			frame: `{"type":1,"target":"RealTimeSymbolQuote","arguments":[{"symbol":"F.US.ENQ","bestBid":100.0,"bestAsk":100.25}]}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, TargetQuote, msg.Target)
				assert.Len(t, msg.Arguments, 1)
			},
		},
		{
			name:      "Malformed JSON",
			frame:     `{"type":`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.frame))

			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, msg)
		})
	}
}

// Test_ParseQuote tests quote payload extraction including the vendor's
// alternative field casing.
func Test_ParseQuote(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		expectErr bool
		expected  Quote
	}{
		{
			name:     "Lower camel casing",
			frame:    `{"type":1,"target":"RealTimeSymbolQuote","arguments":[{"symbol":"F.US.ENQ","bestBid":100.0,"bestAsk":100.25}]}`,
			expected: Quote{Symbol: "F.US.ENQ", BestBid: 100.0, BestAsk: 100.25},
		},
		{
			name:     "Upper camel casing",
			frame:    `{"type":1,"target":"RealTimeSymbolQuote","arguments":[{"Symbol":"F.US.ENQ","BestBid":100.0,"BestAsk":100.25}]}`,
			expected: Quote{Symbol: "F.US.ENQ", BestBid: 100.0, BestAsk: 100.25},
		},
		{
			name:     "One-sided quote",
			frame:    `{"type":1,"target":"RealTimeSymbolQuote","arguments":[{"symbol":"F.US.ENQ","bestAsk":100.25}]}`,
			expected: Quote{Symbol: "F.US.ENQ", BestAsk: 100.25},
		},
		{
			name:      "No arguments",
			frame:     `{"type":1,"target":"RealTimeSymbolQuote"}`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.frame))
			require.NoError(t, err)

			q, err := ParseQuote(msg)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, q)
		})
	}
}

// Test_ParseTrades tests trade batch extraction: argument position, array
// versus bare object payloads, and field validation.
func Test_ParseTrades(t *testing.T) {
	tradeJSON := `{"symbolId":"F.US.ENQ","price":100.25,"volume":3,"type":0,"timestamp":"2024-01-15T10:00:30.500Z"}`

	tests := []struct {
		name        string
		frame       string
		expectErr   bool
		expectCount int
		description string
	}{
		{
			name:        "Array in first argument",
			frame:       fmt.Sprintf(`{"type":1,"target":"RealTimeTradeLogWithSpeed","arguments":[[%s]]}`, tradeJSON),
			expectCount: 1,
			description: "A single-argument frame carries the batch directly",
		},
		{
			name:        "Array in second argument",
			frame:       fmt.Sprintf(`{"type":1,"target":"RealTimeTradeLogWithSpeed","arguments":["F.US.ENQ",[%s,%s]]}`, tradeJSON, tradeJSON),
			expectCount: 2,
			description: "With two arguments the batch is in the second",
		},
		{
			name:        "Bare trade object",
			frame:       fmt.Sprintf(`{"type":1,"target":"RealTimeTradeLogWithSpeed","arguments":[%s]}`, tradeJSON),
			expectCount: 1,
			description: "The vendor sometimes sends one trade without the array wrapper",
		},
		{
			name:        "Empty arguments",
			frame:       `{"type":1,"target":"RealTimeTradeLogWithSpeed","arguments":[]}`,
			expectErr:   true,
			description: "A trade frame without arguments is malformed",
		},
		{
			name:        "Negative price fails validation",
			frame:       `{"type":1,"target":"RealTimeTradeLogWithSpeed","arguments":[[{"symbolId":"F.US.ENQ","price":-1,"volume":3,"type":0}]]}`,
			expectErr:   true,
			description: "Validation rejects negative prices",
		},
		{
			name:        "Unknown trade type fails validation",
			frame:       `{"type":1,"target":"RealTimeTradeLogWithSpeed","arguments":[[{"symbolId":"F.US.ENQ","price":100.25,"volume":3,"type":7}]]}`,
			expectErr:   true,
			description: "Only type 0 and 1 are valid aggressor flags",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.frame))
			require.NoError(t, err)

			trades, err := ParseTrades(msg)
			if tt.expectErr {
				assert.Error(t, err, tt.description)
				return
			}
			require.NoError(t, err, tt.description)
			require.Len(t, trades, tt.expectCount, tt.description)

			for _, tr := range trades {
				assert.Equal(t, "F.US.ENQ", tr.Symbol)
				assert.Equal(t, 100.25, tr.Price)
				assert.Equal(t, 3.0, tr.Volume)
			}
		})
	}
}

// Test_Trade_EventTimeMillis tests event time resolution across the stamp
// formats the vendor ships, with receipt-time fallback.
func Test_Trade_EventTimeMillis(t *testing.T) {
	receivedAt := time.Date(2024, 1, 15, 10, 0, 45, 0, time.UTC)

	tests := []struct {
		name      string
		timestamp string
		expected  int64
	}{
		{
			name:      "RFC3339 with zone",
			timestamp: "2024-01-15T10:00:30.500Z",
			expected:  time.Date(2024, 1, 15, 10, 0, 30, 500_000_000, time.UTC).UnixMilli(),
		},
		{
			name:      "RFC3339 with offset",
			timestamp: "2024-01-15T05:00:30.500-05:00",
			expected:  time.Date(2024, 1, 15, 10, 0, 30, 500_000_000, time.UTC).UnixMilli(),
		},
		{
			name:      "Zone-less stamp is UTC",
			timestamp: "2024-01-15T10:00:30.500",
			expected:  time.Date(2024, 1, 15, 10, 0, 30, 500_000_000, time.UTC).UnixMilli(),
		},
		{
			name:      "Missing stamp falls back to receipt time",
			timestamp: "",
			expected:  receivedAt.UnixMilli(),
		},
		{
			name:      "Garbage stamp falls back to receipt time",
			timestamp: "not-a-time",
			expected:  receivedAt.UnixMilli(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trade := Trade{Timestamp: tt.timestamp}
			assert.Equal(t, tt.expected, trade.EventTimeMillis(receivedAt))
		})
	}
}
