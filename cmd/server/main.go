/*
Package main runs the footprint candle engine for a single instrument.

The engine connects to the vendor's push hub, reconstructs fixed-interval
footprint candles (OHLC enriched with a volume-at-price profile, point of
control, value area, delta and order-flow statistics) from the live trade
and quote stream, and persists each completed candle plus a rolling
raw-message audit trail. An HTTP surface provides the credential endpoint,
candle range queries, diagnostics and a live price websocket feed.

Usage:

	go run ./cmd/server -config ./config

Configuration comes from config/config.yaml and TAPER_-prefixed environment
variables; see internal/config for the full list of settings.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"footprint/internal/api"
	"footprint/internal/config"
	"footprint/internal/engine"
	"footprint/internal/feed"
	"footprint/internal/model"
	"footprint/internal/storage"
)

var configPath = flag.String("config", "", "Directory containing config.yaml (optional)")

func main() {
	flag.Parse()

	// Structured logger with timestamp and info level.
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	inst, err := model.NewInstrument(cfg.Symbol, cfg.Timeframe, cfg.TickSize)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid instrument")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewFSStore(afero.NewOsFs(), cfg.DataDir)
	gateway := storage.NewGateway(store, inst)

	hub := feed.NewHub()
	go hub.Run(ctx)

	eng := engine.New(inst, engine.Options{
		WSURL:               cfg.WSURL,
		LivenessTimeout:     cfg.LivenessTimeout,
		RawFlushInterval:    cfg.RawFlushInterval,
		RawFlushMaxBatch:    cfg.RawFlushMaxBatch,
		RawSpikeLimit:       cfg.RawSpikeLimit,
		ReconnectBaseDelay:  cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:   cfg.ReconnectMaxDelay,
		LargeTradeThreshold: cfg.LargeTradeThreshold,
	}, gateway, hub)
	go eng.Run(ctx)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewServer(eng, gateway, hub).Router(),
	}

	// Graceful shutdown on interrupt: stop the engine (flushing buffers)
	// and drain the HTTP server.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("initiating graceful shutdown")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().
		Str("symbol", inst.Symbol).
		Str("timeframe", inst.Timeframe).
		Float64("tick_size", inst.TickSize).
		Str("addr", cfg.ListenAddr).
		Msg("server starting")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("failed to serve")
	}
}
