// Package config loads and validates the engine configuration.
//
// Values come from an optional YAML config file and from TAPER_-prefixed
// environment variables (a local .env file is honoured), with sensible
// production defaults for everything but the instrument itself.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	// Symbol is the contract symbol this engine instance owns.
	Symbol string `mapstructure:"symbol" validate:"required,uppercase"`

	// Timeframe selects the candle bucket duration.
	Timeframe string `mapstructure:"timeframe" validate:"required,oneof=1m 3m 5m 15m 30m 1h"`

	// TickSize is the contract's minimum price increment.
	TickSize float64 `mapstructure:"tick_size" validate:"required,gt=0"`

	// WSURL is the push-protocol hub endpoint.
	WSURL string `mapstructure:"ws_url" validate:"required,startswith=ws"`

	// ListenAddr is the HTTP listen address for the admin surface.
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`

	// DataDir is the root of the object store.
	DataDir string `mapstructure:"data_dir" validate:"required"`

	// LivenessTimeout is how long the watchdog tolerates a silent
	// connection before resetting it.
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout" validate:"required"`

	// RawFlushInterval and RawFlushMaxBatch bound the age and size of the
	// raw-message buffer between flushes.
	RawFlushInterval time.Duration `mapstructure:"raw_flush_interval" validate:"required"`
	RawFlushMaxBatch int           `mapstructure:"raw_flush_max_batch" validate:"required,gt=0"`

	// RawSpikeLimit forces an out-of-band flush when the buffer exceeds
	// it, bounding memory during message bursts.
	RawSpikeLimit int `mapstructure:"raw_spike_limit" validate:"required,gt=0"`

	// ReconnectBaseDelay and ReconnectMaxDelay bound the reconnect
	// backoff.
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay" validate:"required"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay" validate:"required,gtefield=ReconnectBaseDelay"`

	// LargeTradeThreshold is the volume at or above which a trade counts
	// as large in the bar statistics.
	LargeTradeThreshold float64 `mapstructure:"large_trade_threshold" validate:"required,gt=0"`
}

// Load reads the configuration. path may name a directory holding
// config.yaml; an empty path skips the file and uses environment plus
// defaults only.
func Load(path string) (Config, error) {
	// A missing .env is fine; it only exists in development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("TAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("symbol", "ENQ")
	v.SetDefault("timeframe", "1m")
	v.SetDefault("tick_size", 0.25)
	v.SetDefault("ws_url", "wss://chartapi.topstepx.com/hubs/chart")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("data_dir", "data")
	v.SetDefault("liveness_timeout", 20*time.Second)
	v.SetDefault("raw_flush_interval", 5*time.Second)
	v.SetDefault("raw_flush_max_batch", 50)
	v.SetDefault("raw_spike_limit", 500)
	v.SetDefault("reconnect_base_delay", 2*time.Second)
	v.SetDefault("reconnect_max_delay", time.Minute)
	v.SetDefault("large_trade_threshold", 10.0)

	if path != "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
