// Package config loads the engine's recognized configuration knobs
// from the environment. Configuration is passed explicitly
// to every component that needs it; nothing in this repo reads the
// environment anywhere else.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/coapcore/coap/channel"
	"github.com/coapcore/coap/dedup"
	"github.com/coapcore/coap/layer"
	"github.com/coapcore/coap/match"
)

// Config is the engine's full knob table plus the bind address
// and logging options the CLIs need.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":5683"`

	AckTimeout      time.Duration `env:"ACK_TIMEOUT" envDefault:"2s"`
	AckRandomFactor float64       `env:"ACK_RANDOM_FACTOR" envDefault:"1.5"`
	MaxRetransmit   int           `env:"MAX_RETRANSMIT" envDefault:"4"`

	ExchangeLifetime     time.Duration `env:"EXCHANGE_LIFETIME" envDefault:"247s"`
	MarkAndSweepInterval time.Duration `env:"MARK_AND_SWEEP_INTERVAL" envDefault:"10s"`
	Deduplicator         string        `env:"DEDUPLICATOR" envDefault:"MarkAndSweep"`

	// TokenLength is the default generated-token length in bytes, 0-8;
	// -1 selects a random length per request.
	TokenLength      int  `env:"TOKEN_LENGTH" envDefault:"4"`
	UseRandomIDStart bool `env:"USE_RANDOM_ID_START" envDefault:"true"`

	ChannelReceiveBufferSize int `env:"CHANNEL_RECEIVE_BUFFER_SIZE"`
	ChannelSendBufferSize    int `env:"CHANNEL_SEND_BUFFER_SIZE"`
	ChannelReceivePacketSize int `env:"CHANNEL_RECEIVE_PACKET_SIZE"`

	BlockwiseStatusLifetime time.Duration `env:"BLOCKWISE_STATUS_LIFETIME" envDefault:"4m"`
	BlockSize               int           `env:"BLOCK_SIZE" envDefault:"1024"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`

	MetricsAddr string `env:"METRICS_ADDR"`
}

// Load parses the environment into a Config, with every variable name
// prefixed (e.g. prefix "COAP_" reads COAP_ACK_TIMEOUT).
func Load(prefix string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: prefix}); err != nil {
		return Config{}, fmt.Errorf("coap: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values outside their allowed ranges.
func (c Config) Validate() error {
	if c.AckRandomFactor < 1.0 {
		return fmt.Errorf("coap: AckRandomFactor must be >= 1.0, got %g", c.AckRandomFactor)
	}
	if c.TokenLength < -1 || c.TokenLength > 8 {
		return fmt.Errorf("coap: TokenLength must be in [-1, 8], got %d", c.TokenLength)
	}
	return nil
}

// Dedup builds the configured Deduplicator. The misspelled crop-rotation
// constant is accepted alongside the corrected spelling (see DESIGN.md).
func (c Config) Dedup() dedup.Deduplicator {
	return dedup.New(dedup.Kind(c.Deduplicator), dedup.Config{
		ExchangeLifetime:     c.ExchangeLifetime,
		MarkAndSweepInterval: c.MarkAndSweepInterval,
	})
}

// Matcher returns the Matcher's slice of the knobs.
func (c Config) Matcher() match.Config {
	return match.Config{TokenLength: c.TokenLength, UseRandomIDStart: c.UseRandomIDStart}
}

// Reliability returns the Reliability layer's slice of the knobs.
func (c Config) Reliability() layer.ReliabilityConfig {
	return layer.ReliabilityConfig{
		AckTimeout:      c.AckTimeout,
		AckRandomFactor: c.AckRandomFactor,
		MaxRetransmit:   c.MaxRetransmit,
	}
}

// Blockwise returns the Blockwise layer's slice of the knobs.
func (c Config) Blockwise() layer.BlockwiseConfig {
	return layer.BlockwiseConfig{
		BlockSize:               c.BlockSize,
		BlockwiseStatusLifetime: c.BlockwiseStatusLifetime,
	}
}

// Buffers returns the datagram buffer tuning for the channels.
func (c Config) Buffers() channel.Buffers {
	return channel.Buffers{
		ReceiveBufferSize: c.ChannelReceiveBufferSize,
		SendBufferSize:    c.ChannelSendBufferSize,
		ReceivePacketSize: c.ChannelReceivePacketSize,
	}
}
