// Package config loads the broker's runtime tunables from the
// environment, with an optional .env file for development setups.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config captures all runtime tunables for the broker service.
type Config struct {
	// ListenURIs are the transport addresses to bind, e.g.
	// "ws://127.0.0.1:4711". One broker server is run per URI.
	ListenURIs []string `env:"TPAF_LISTEN_ADDRS" envSeparator:","`

	LogLevel  string `env:"TPAF_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TPAF_LOG_FORMAT" envDefault:"json"`

	// MetricsAddr exposes Prometheus metrics when non-empty.
	MetricsAddr string `env:"TPAF_METRICS_ADDR"`

	// MaxHandshakeTime bounds how long a connection may stay
	// pre-handshake before it is dropped by the periodic sweep.
	MaxHandshakeTime       time.Duration `env:"TPAF_MAX_HANDSHAKE_TIME" envDefault:"2s"`
	HandshakeSweepInterval time.Duration `env:"TPAF_HANDSHAKE_SWEEP_INTERVAL" envDefault:"1s"`

	// SoftOutWireLimit pauses inbound processing while a connection's
	// outbound queue is at or above this many messages.
	SoftOutWireLimit int `env:"TPAF_SOFT_OUT_WIRE_LIMIT" envDefault:"128"`
	MaxSendBatch     int `env:"TPAF_MAX_SEND_BATCH" envDefault:"64"`
	MaxReceiveBatch  int `env:"TPAF_MAX_RECEIVE_BATCH" envDefault:"4"`

	// MaxMessageSize bounds inbound protocol message size in bytes.
	MaxMessageSize int64 `env:"TPAF_MAX_MESSAGE_SIZE" envDefault:"65536"`

	// AcceptRate limits accepted connections per second; zero disables
	// the limit.
	AcceptRate  float64 `env:"TPAF_ACCEPT_RATE"`
	AcceptBurst int     `env:"TPAF_ACCEPT_BURST" envDefault:"8"`

	TLSCertFile string `env:"TPAF_TLS_CERT"`
	TLSKeyFile  string `env:"TPAF_TLS_KEY"`
}

// Load reads the configuration from the environment. Listen URIs given as
// command-line arguments override TPAF_LISTEN_ADDRS.
func Load(args []string) (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if len(args) > 0 {
		cfg.ListenURIs = append([]string(nil), args...)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string

	if len(c.ListenURIs) == 0 {
		problems = append(problems, "no listen addresses configured")
	}
	if c.MaxHandshakeTime <= 0 {
		problems = append(problems, "TPAF_MAX_HANDSHAKE_TIME must be positive")
	}
	if c.HandshakeSweepInterval <= 0 {
		problems = append(problems, "TPAF_HANDSHAKE_SWEEP_INTERVAL must be positive")
	}
	if c.SoftOutWireLimit <= 0 {
		problems = append(problems, "TPAF_SOFT_OUT_WIRE_LIMIT must be positive")
	}
	if c.MaxSendBatch <= 0 {
		problems = append(problems, "TPAF_MAX_SEND_BATCH must be positive")
	}
	if c.MaxReceiveBatch <= 0 {
		problems = append(problems, "TPAF_MAX_RECEIVE_BATCH must be positive")
	}
	if c.MaxMessageSize <= 0 {
		problems = append(problems, "TPAF_MAX_MESSAGE_SIZE must be positive")
	}
	if c.AcceptRate < 0 {
		problems = append(problems, "TPAF_ACCEPT_RATE must be non-negative")
	}
	if c.AcceptBurst <= 0 {
		problems = append(problems, "TPAF_ACCEPT_BURST must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		problems = append(problems, "TPAF_TLS_CERT and TPAF_TLS_KEY must be set together")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
