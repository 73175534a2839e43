/*
Package main implements a websocket client for watching the live price feed.

The client connects to the server's /stream endpoint and logs every feed
message it receives: the initial price snapshot sent on connect, followed by
a price update with direction for each trade at a new price. It supports
graceful shutdown via OS signals.

Usage:

	go run main.go -addr=localhost:8080

The client will continuously receive and log price updates until interrupted.
*/
package main

import (
	"context"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// addr specifies the server address hosting the /stream feed endpoint
var addr = flag.String("addr", "localhost:8080", "The server address in the format host:port")

// feedMessage mirrors the wire shape of both the init snapshot and price
// updates; Direction is zero for snapshots.
type feedMessage struct {
	Type      string  `json:"type"`
	Price     float64 `json:"price"`
	Direction int     `json:"direction,omitempty"`
}

func main() {
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals so the connection closes cleanly.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("shutting down")
		cancel()
	}()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/stream"}
	log.Info().Str("url", u.String()).Msg("connecting to price feed")

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer conn.Close()

	// Unblock the read loop when the context ends.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("client stopped")
				return
			}
			log.Fatal().Err(err).Msg("read error")
		}

		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Str("raw", string(data)).Msg("unparseable feed message")
			continue
		}

		switch msg.Type {
		case "init":
			log.Info().Float64("price", msg.Price).Msg("price snapshot")
		case "price":
			log.Info().
				Float64("price", msg.Price).
				Int("direction", msg.Direction).
				Msg("price update")
		default:
			log.Warn().Str("type", msg.Type).Msg("unknown feed message type")
		}
	}
}
