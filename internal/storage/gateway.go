package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"footprint/internal/model"
)

// tokenKey is where the access token is persisted so the engine can resume
// streaming after a restart without re-authenticating.
const tokenKey = "state/access_token"

// RawEntry is one archived transport message with its receipt time. Frames
// are archived whether or not they parse, preserving forensic replay
// capability.
type RawEntry struct {
	Raw string `json:"raw"`
	TS  int64  `json:"ts"`
}

// Gateway writes finalized candles and raw-message batches for one
// instrument/timeframe pair and serves the hour-range candle queries.
type Gateway struct {
	store ObjectStore
	inst  model.Instrument
}

// NewGateway creates a Gateway over the given store.
func NewGateway(store ObjectStore, inst model.Instrument) *Gateway {
	return &Gateway{store: store, inst: inst}
}

// PutCandle writes one finalized candle as a single durable put keyed by
// its bucket start timestamp under the calendar partition of that bucket.
func (g *Gateway) PutCandle(ctx context.Context, c *model.Candle) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal candle %d: %w", c.Time, err)
	}

	key := fmt.Sprintf("%s/%d.json", g.hourPrefix(time.UnixMilli(c.Time).UTC()), c.Time)
	if err := g.store.Put(ctx, key, body); err != nil {
		return fmt.Errorf("put candle %s: %w", key, err)
	}

	log.Info().
		Str("component", "gateway").
		Str("key", key).
		Float64("vol", c.Vol).
		Msg("candle persisted")
	return nil
}

// PutRawBatch writes the batch as one newline-delimited record set keyed by
// the current time, partitioned by instrument/date/hour.
func (g *Gateway) PutRawBatch(ctx context.Context, entries []RawEntry, now time.Time) error {
	if len(entries) == 0 {
		return nil
	}

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal raw entry: %w", err)
		}
		lines = append(lines, string(b))
	}

	now = now.UTC()
	key := fmt.Sprintf("raw_tns/%s/%04d/%02d/%02d/%02d/%d.json",
		g.inst.Symbol, now.Year(), now.Month(), now.Day(), now.Hour(), now.UnixMilli())

	if err := g.store.Put(ctx, key, []byte(strings.Join(lines, "\n"))); err != nil {
		return fmt.Errorf("put raw batch %s: %w", key, err)
	}
	return nil
}

// CandlesForHour returns the ordered NDJSON record set for one calendar
// hour. Two storage forms are merged transparently: the legacy single
// {hour}.jsonl object takes precedence when present; otherwise the
// directory of per-candle objects is concatenated in bucket-timestamp
// order. ErrNotFound when neither form exists.
func (g *Gateway) CandlesForHour(ctx context.Context, year, month, day, hour string) ([]byte, error) {
	base := fmt.Sprintf("footprint/%s/%s/%s/%s/%s/%s",
		g.inst.Symbol, g.inst.Timeframe, year, month, day, hour)

	// Legacy single-file form.
	if body, err := g.store.Get(ctx, base+".jsonl"); err == nil {
		return body, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	keys, err := g.store.List(ctx, base+"/")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}

	// Keys are {bucket_ms}.json; order numerically by bucket timestamp.
	sort.Slice(keys, func(i, j int) bool {
		return keyTimestamp(keys[i]) < keyTimestamp(keys[j])
	})

	var sb strings.Builder
	for _, key := range keys {
		body, err := g.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		sb.Write(body)
		sb.WriteByte('\n')
	}
	return []byte(sb.String()), nil
}

// SaveToken persists the access token.
func (g *Gateway) SaveToken(ctx context.Context, token string) error {
	return g.store.Put(ctx, tokenKey, []byte(token))
}

// LoadToken returns the persisted access token, empty when none exists.
func (g *Gateway) LoadToken(ctx context.Context) (string, error) {
	body, err := g.store.Get(ctx, tokenKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (g *Gateway) hourPrefix(t time.Time) string {
	return fmt.Sprintf("footprint/%s/%s/%04d/%02d/%02d/%02d",
		g.inst.Symbol, g.inst.Timeframe, t.Year(), t.Month(), t.Day(), t.Hour())
}

func keyTimestamp(key string) int64 {
	name := key[strings.LastIndexByte(key, '/')+1:]
	name = strings.TrimSuffix(name, ".json")
	ts, _ := strconv.ParseInt(name, 10, 64)
	return ts
}
