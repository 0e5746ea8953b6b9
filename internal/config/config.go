package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/garethgeorge/afina/internal/logging"
	"github.com/garethgeorge/afina/internal/protocol"
)

type Config struct {
	Listen      string
	Workers     int
	QueueSize   int
	IdleTimeout time.Duration

	ArenaSize         int
	MaxEntries        int
	MaxValueSize      int
	CompressThreshold int

	// CompactInterval runs a background compaction this often; 0 disables it.
	CompactInterval time.Duration
	// CompactRate bounds compactions per second triggered by writes that do
	// not fit; 0 disables them.
	CompactRate float64

	MetricsListen string
	PidFile       string

	LogFormat string
	LogLevel  string
}

func Default() Config {
	return Config{
		Listen:            "127.0.0.1:11211",
		Workers:           8,
		QueueSize:         64,
		IdleTimeout:       5 * time.Minute,
		ArenaSize:         64 << 20,
		MaxEntries:        1 << 20,
		MaxValueSize:      protocol.DefaultMaxValueSize,
		CompressThreshold: 0,
		CompactInterval:   time.Minute,
		CompactRate:       1,
		LogFormat:         "text",
		LogLevel:          "info",
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address must be set"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue size must not be negative, got %d", c.QueueSize))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle timeout must not be negative, got %v", c.IdleTimeout))
	}
	// Room for at least one table word and a minimal entry.
	if c.ArenaSize < 64 {
		errs = append(errs, fmt.Errorf("arena size must be at least 64 bytes, got %d", c.ArenaSize))
	}
	if c.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("max entries must be positive, got %d", c.MaxEntries))
	}
	if c.MaxValueSize <= 0 {
		errs = append(errs, fmt.Errorf("max value size must be positive, got %d", c.MaxValueSize))
	}
	if c.CompressThreshold < 0 {
		errs = append(errs, fmt.Errorf("compress threshold must not be negative, got %d", c.CompressThreshold))
	}
	if c.CompactInterval < 0 {
		errs = append(errs, fmt.Errorf("compact interval must not be negative, got %v", c.CompactInterval))
	}
	if c.CompactRate < 0 {
		errs = append(errs, fmt.Errorf("compact rate must not be negative, got %v", c.CompactRate))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
