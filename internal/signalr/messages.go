// Package signalr implements the hub push protocol the market-data vendor
// speaks: record-separator delimited JSON frames carrying a negotiation
// handshake, invocation/completion pairs for channel subscriptions, server
// pings, and data frames tagged by target.
package signalr

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// recordSeparator delimits frames inside one transport message.
const recordSeparator = 0x1e

// Frame type discriminators used by the hub protocol.
const (
	TypeInvocation = 1
	TypeCompletion = 3
	TypePing       = 6
)

// Data frame targets for the two subscribed channels.
const (
	TargetQuote = "RealTimeSymbolQuote"
	TargetTrade = "RealTimeTradeLogWithSpeed"
)

// Hub methods invoked to subscribe each channel.
const (
	MethodSubscribeTrades = "SubscribeTradeLogWithSpeed"
	MethodSubscribeQuotes = "SubscribeQuotesForSymbolWithSpeed"
)

// handshakeAck is the empty-object frame acknowledging protocol
// negotiation.
var handshakeAck = []byte("{}")

var validate = validator.New()

// Message is the envelope shared by every post-handshake frame.
type Message struct {
	Type         int               `json:"type"`
	Target       string            `json:"target,omitempty"`
	InvocationID string            `json:"invocationId,omitempty"`
	Error        string            `json:"error,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
}

// invocation is the wire form of a hub method call.
type invocation struct {
	Type         int    `json:"type"`
	Target       string `json:"target"`
	Arguments    []any  `json:"arguments"`
	InvocationID string `json:"invocationId"`
}

// handshakeRequest opens protocol negotiation after the transport connects.
type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// Quote is one best-bid/ask update. The vendor has shipped both upper- and
// lower-camel field casings; the case-insensitive JSON field match covers
// both.
type Quote struct {
	Symbol  string  `json:"symbol"`
	BestBid float64 `json:"bestBid"`
	BestAsk float64 `json:"bestAsk"`
}

// Trade is one executed trade from the trade-log channel.
type Trade struct {
	Symbol    string  `json:"symbolId"`
	Price     float64 `json:"price" validate:"gte=0"`
	Volume    float64 `json:"volume" validate:"gte=0"`
	Type      int     `json:"type" validate:"oneof=0 1"`
	Timestamp string  `json:"timestamp"`
}

// EventTimeMillis resolves the trade's event time to epoch milliseconds,
// falling back to the supplied receipt time when the vendor timestamp is
// absent or unparseable.
func (t Trade) EventTimeMillis(receivedAt time.Time) int64 {
	if t.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, t.Timestamp); err == nil {
			return ts.UnixMilli()
		}
		// The vendor occasionally omits the zone suffix; such stamps are
		// UTC.
		if ts, err := time.Parse("2006-01-02T15:04:05.999999999", t.Timestamp); err == nil {
			return ts.UTC().UnixMilli()
		}
	}
	return receivedAt.UnixMilli()
}

// SplitFrames splits one transport message into its individual frames,
// dropping empty segments.
func SplitFrames(data []byte) [][]byte {
	parts := bytes.Split(data, []byte{recordSeparator})
	frames := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(p) > 0 {
			frames = append(frames, p)
		}
	}
	return frames
}

// IsHandshakeAck reports whether the frame is the handshake acknowledgement.
func IsHandshakeAck(frame []byte) bool {
	return bytes.Equal(frame, handshakeAck)
}

// Handshake returns the protocol negotiation frame, terminator included.
func Handshake() []byte {
	b, _ := json.Marshal(handshakeRequest{Protocol: "json", Version: 1})
	return append(b, recordSeparator)
}

// NewInvocationID returns a fresh request correlation id.
func NewInvocationID() string {
	return uuid.NewString()
}

// Subscribe builds a channel subscription frame for the given hub method
// and vendor symbol, tagged with the correlation id.
func Subscribe(method, vendorSymbol, invocationID string) ([]byte, error) {
	b, err := json.Marshal(invocation{
		Type:         TypeInvocation,
		Target:       method,
		Arguments:    []any{vendorSymbol, 0},
		InvocationID: invocationID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe invocation: %w", err)
	}
	return append(b, recordSeparator), nil
}

// ParseMessage decodes a single frame into the shared envelope.
func ParseMessage(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return msg, nil
}

// ParseQuote extracts the quote payload from a quote data frame.
func ParseQuote(msg Message) (Quote, error) {
	if len(msg.Arguments) == 0 {
		return Quote{}, fmt.Errorf("quote frame has no arguments")
	}
	var q Quote
	if err := json.Unmarshal(msg.Arguments[0], &q); err != nil {
		return Quote{}, fmt.Errorf("unmarshal quote: %w", err)
	}
	return q, nil
}

// ParseTrades extracts the trade batch from a trade data frame. The vendor
// puts the batch in the second argument when present, the first otherwise,
// and sends either an array or one bare trade object.
func ParseTrades(msg Message) ([]Trade, error) {
	if len(msg.Arguments) == 0 {
		return nil, fmt.Errorf("trade frame has no arguments")
	}

	raw := msg.Arguments[0]
	if len(msg.Arguments) > 1 {
		raw = msg.Arguments[1]
	}

	var trades []Trade
	if err := json.Unmarshal(raw, &trades); err != nil {
		var single Trade
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("unmarshal trades: %w", err)
		}
		if single.Price == 0 {
			return nil, nil
		}
		trades = []Trade{single}
	}

	for i, t := range trades {
		if err := validate.Struct(&t); err != nil {
			return nil, fmt.Errorf("trade %d failed validation: %w", i, err)
		}
	}

	return trades, nil
}
