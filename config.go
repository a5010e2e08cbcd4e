package highway

import (
	"fmt"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
)

// Defaults used by DefaultConfig.
const (
	DefaultListenAddress      = ":10001"
	DefaultInterval           = 10 * time.Millisecond
	DefaultIdleTimeout        = 30 * time.Second
	DefaultReceiveBufferSize  = 64 * 1024
	DefaultDatagramBufferSize = 65535
)

// EnvPrefix is prepended to every environment variable read by LoadConfig.
const EnvPrefix = "HIGHWAY_"

// Config holds gateway, engine and socket settings.
// Limit values of 0 mean unlimited.
type Config struct {
	// ListenAddress is the UDP address the server binds to.
	ListenAddress string `env:"LISTEN_ADDRESS"`

	// Workers is the number of pinned workers. 0 means runtime.NumCPU().
	Workers int `env:"WORKERS"`

	// Interval is the maintenance tick interval of each session.
	Interval time.Duration `env:"INTERVAL"`

	// IdleTimeout closes sessions that received nothing for this long.
	// 0 disables the check.
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT"`

	// ReceiveBufferSize bounds the per-session receive buffer in bytes.
	ReceiveBufferSize int `env:"RECEIVE_BUFFER_SIZE"`

	// MinSegmentSize is the shortest frame the engine accepts.
	MinSegmentSize int `env:"MIN_SEGMENT_SIZE"`

	// DatagramBufferSize is the size of the server's read buffer.
	DatagramBufferSize int `env:"DATAGRAM_BUFFER_SIZE"`

	// SocketReadBuffer and SocketWriteBuffer set SO_RCVBUF/SO_SNDBUF. 0 keeps the OS default.
	SocketReadBuffer  int `env:"SOCKET_READ_BUFFER"`
	SocketWriteBuffer int `env:"SOCKET_WRITE_BUFFER"`

	// ReusePort sets SO_REUSEADDR and SO_REUSEPORT where supported.
	ReusePort bool `env:"REUSE_PORT"`

	// MaxSessions caps concurrently registered sessions.
	MaxSessions int `env:"MAX_SESSIONS"`
	// MaxHandshakesPerMinute caps accepted handshakes per peer IP.
	MaxHandshakesPerMinute int `env:"MAX_HANDSHAKES_PER_MINUTE"`
	// MaxTotalHandshakesPerMinute caps accepted handshakes across all peers.
	MaxTotalHandshakesPerMinute int `env:"MAX_TOTAL_HANDSHAKES_PER_MINUTE"`

	// AccessMode selects how AccessList is applied to handshakes.
	AccessMode AccessListMode `env:"ACCESS_MODE"`
	// AccessList holds IPs or CIDR prefixes.
	AccessList []string `env:"ACCESS_LIST" envSeparator:","`

	// LogLevel is a zerolog level name, used by the example programs.
	LogLevel string `env:"LOG_LEVEL"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:      DefaultListenAddress,
		Workers:            runtime.NumCPU(),
		Interval:           DefaultInterval,
		IdleTimeout:        DefaultIdleTimeout,
		ReceiveBufferSize:  DefaultReceiveBufferSize,
		MinSegmentSize:     DefaultMinSegmentSize,
		DatagramBufferSize: DefaultDatagramBufferSize,
		AccessMode:         AccessListModeDisabled,
		LogLevel:           "info",
	}
}

// LoadConfig returns DefaultConfig overridden by HIGHWAY_* environment variables.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Workers < 0:
		return fmt.Errorf("invalid config: workers must not be negative (%d)", c.Workers)
	case c.Interval <= 0:
		return fmt.Errorf("invalid config: interval must be positive (%s)", c.Interval)
	case c.IdleTimeout < 0:
		return fmt.Errorf("invalid config: idle timeout must not be negative (%s)", c.IdleTimeout)
	case c.ReceiveBufferSize <= 0:
		return fmt.Errorf("invalid config: receive buffer size must be positive (%d)", c.ReceiveBufferSize)
	case c.MinSegmentSize < 0:
		return fmt.Errorf("invalid config: min segment size must not be negative (%d)", c.MinSegmentSize)
	case c.DatagramBufferSize <= 0 || c.DatagramBufferSize > DefaultDatagramBufferSize:
		return fmt.Errorf("invalid config: datagram buffer size must be in 1..%d (%d)", DefaultDatagramBufferSize, c.DatagramBufferSize)
	case c.MaxSessions < 0 || c.MaxHandshakesPerMinute < 0 || c.MaxTotalHandshakesPerMinute < 0:
		return fmt.Errorf("invalid config: limits must not be negative")
	}
	if _, err := parseAccessList(c.AccessList); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
