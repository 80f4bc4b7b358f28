// Package config loads poolctl settings from a TOML file and turns them
// into the option structs of the pool packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/go-i2p/objpool/lib/netpool"
	"github.com/go-i2p/objpool/lib/pgpool"
	"github.com/go-i2p/objpool/lib/pool"
	"github.com/go-i2p/objpool/lib/redispool"
	"github.com/go-i2p/objpool/lib/resilience"
	"github.com/go-i2p/objpool/lib/soak"
)

// Target kinds.
const (
	KindRPC      = "rpc"
	KindPostgres = "postgres"
	KindRedis    = "redis"
)

// Default configuration values
const (
	DefaultMaxSize       = 10
	DefaultWaitMaxMillis = 1000
	DefaultAddress       = "127.0.0.1:7700"
	DefaultRedisURL      = "redis://127.0.0.1:6379/0"
)

// Config holds all configuration for poolctl.
type Config struct {
	Pool    PoolConfig    `toml:"pool"`
	Target  TargetConfig  `toml:"target"`
	Breaker BreakerConfig `toml:"breaker"`
	Soak    SoakConfig    `toml:"soak"`
}

// PoolConfig contains the bounds of the object pool.
type PoolConfig struct {
	// Name labels log lines and stats
	Name string `toml:"name"`
	// MaxSize is the most resources that may exist at once
	MaxSize int `toml:"max_size"`
	// WaitMaxMillis is how long a borrow may wait; 0 fails immediately
	WaitMaxMillis int64 `toml:"wait_max_ms"`
	// MaxEvictions caps invalid idle resources discarded per borrow; 0 means max_size
	MaxEvictions int `toml:"max_evictions"`
}

// TargetConfig describes the backend whose connections are pooled.
type TargetConfig struct {
	// Kind is one of rpc, postgres or redis
	Kind string `toml:"kind"`
	// Network is tcp or unix (rpc only)
	Network string `toml:"network"`
	// Address is host:port or a socket path (rpc only)
	Address string `toml:"address"`
	// DSN is the PostgreSQL connection string (postgres only)
	DSN string `toml:"dsn"`
	// URL is the redis:// URL (redis only)
	URL string `toml:"url"`
	// DialTimeoutMillis bounds connection establishment
	DialTimeoutMillis int64 `toml:"dial_timeout_ms"`
	// CallTimeoutMillis bounds one request (rpc only)
	CallTimeoutMillis int64 `toml:"call_timeout_ms"`
	// PingTimeoutMillis bounds the validity check of an idle connection
	PingTimeoutMillis int64 `toml:"ping_timeout_ms"`
}

// BreakerConfig contains circuit breaker settings for connection creation.
type BreakerConfig struct {
	FailureThreshold    int   `toml:"failure_threshold"`
	SuccessThreshold    int   `toml:"success_threshold"`
	OpenTimeoutMillis   int64 `toml:"open_timeout_ms"`
	MaxHalfOpenRequests int   `toml:"max_half_open_requests"`
}

// SoakConfig contains soak run settings.
type SoakConfig struct {
	Workers        int     `toml:"workers"`
	DurationMillis int64   `toml:"duration_ms"`
	Rate           float64 `toml:"rate"`
	Burst          int     `toml:"burst"`
	// MetricsListen serves /metrics during a soak run when set
	MetricsListen string `toml:"metrics_listen"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	breaker := resilience.DefaultCircuitBreakerConfig()
	s := soak.DefaultConfig()
	return &Config{
		Pool: PoolConfig{
			Name:          "poolctl",
			MaxSize:       DefaultMaxSize,
			WaitMaxMillis: DefaultWaitMaxMillis,
		},
		Target: TargetConfig{
			Kind:              KindRPC,
			Network:           "tcp",
			Address:           DefaultAddress,
			URL:               DefaultRedisURL,
			DialTimeoutMillis: 5000,
			CallTimeoutMillis: 30000,
			PingTimeoutMillis: 2000,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    breaker.FailureThreshold,
			SuccessThreshold:    breaker.SuccessThreshold,
			OpenTimeoutMillis:   breaker.Timeout.Milliseconds(),
			MaxHalfOpenRequests: breaker.MaxHalfOpenRequests,
		},
		Soak: SoakConfig{
			Workers:        s.Workers,
			DurationMillis: s.Duration.Milliseconds(),
			Rate:           s.Rate,
			Burst:          s.Burst,
		},
	}
}

// LoadConfig loads configuration from a TOML file.
// If the file doesn't exist, returns default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.PoolOptions().Validate(); err != nil {
		return err
	}

	switch c.Target.Kind {
	case KindRPC:
		if c.Target.Address == "" {
			return errors.New("target.address is required for kind rpc")
		}
		if c.Target.Network != "tcp" && c.Target.Network != "unix" {
			return fmt.Errorf("target.network must be tcp or unix, got %q", c.Target.Network)
		}
	case KindPostgres:
		if c.Target.DSN == "" {
			return errors.New("target.dsn is required for kind postgres")
		}
	case KindRedis:
		if c.Target.URL == "" {
			return errors.New("target.url is required for kind redis")
		}
	default:
		return fmt.Errorf("target.kind must be rpc, postgres or redis, got %q", c.Target.Kind)
	}

	if c.Target.DialTimeoutMillis < 0 || c.Target.CallTimeoutMillis < 0 || c.Target.PingTimeoutMillis < 0 {
		return errors.New("target timeouts must not be negative")
	}
	if c.Soak.Workers < 0 {
		return errors.New("soak.workers must not be negative")
	}
	if c.Soak.DurationMillis < 0 {
		return errors.New("soak.duration_ms must not be negative")
	}

	return nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// PoolOptions returns the object pool configuration.
func (c *Config) PoolOptions() pool.Config {
	return pool.Config{
		Name:         c.Pool.Name,
		MaxSize:      c.Pool.MaxSize,
		WaitMax:      millis(c.Pool.WaitMaxMillis),
		MaxEvictions: c.Pool.MaxEvictions,
	}
}

// BreakerOptions returns the circuit breaker configuration.
func (c *Config) BreakerOptions() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold:    c.Breaker.FailureThreshold,
		SuccessThreshold:    c.Breaker.SuccessThreshold,
		Timeout:             millis(c.Breaker.OpenTimeoutMillis),
		MaxHalfOpenRequests: c.Breaker.MaxHalfOpenRequests,
	}
}

// NetpoolOptions returns the JSON-RPC client configuration.
func (c *Config) NetpoolOptions() netpool.Config {
	return netpool.Config{
		Network:     c.Target.Network,
		Address:     c.Target.Address,
		DialTimeout: millis(c.Target.DialTimeoutMillis),
		CallTimeout: millis(c.Target.CallTimeoutMillis),
		PingTimeout: millis(c.Target.PingTimeoutMillis),
		Pool:        c.PoolOptions(),
		Breaker:     c.BreakerOptions(),
	}
}

// PgpoolOptions returns the PostgreSQL pool configuration.
func (c *Config) PgpoolOptions() pgpool.Config {
	return pgpool.Config{
		DSN:            c.Target.DSN,
		ConnectTimeout: millis(c.Target.DialTimeoutMillis),
		PingTimeout:    millis(c.Target.PingTimeoutMillis),
		Pool:           c.PoolOptions(),
		Breaker:        c.BreakerOptions(),
	}
}

// RedispoolOptions returns the Redis pool configuration.
func (c *Config) RedispoolOptions() redispool.Config {
	return redispool.Config{
		URL:         c.Target.URL,
		DialTimeout: millis(c.Target.DialTimeoutMillis),
		PingTimeout: millis(c.Target.PingTimeoutMillis),
		Pool:        c.PoolOptions(),
		Breaker:     c.BreakerOptions(),
	}
}

// SoakOptions returns the soak runner configuration.
func (c *Config) SoakOptions() soak.Config {
	return soak.Config{
		Workers:  c.Soak.Workers,
		Duration: millis(c.Soak.DurationMillis),
		Rate:     c.Soak.Rate,
		Burst:    c.Soak.Burst,
	}
}

// OpenTarget builds the pooled target described by the [target] section.
func (c *Config) OpenTarget() (soak.Target, error) {
	var (
		target soak.Target
		err    error
	)
	switch c.Target.Kind {
	case KindRPC:
		var client *netpool.Client
		if client, err = netpool.New(c.NetpoolOptions()); err == nil {
			target = client
		}
	case KindPostgres:
		var pg *pgpool.Pool
		if pg, err = pgpool.New(c.PgpoolOptions()); err == nil {
			target = pg
		}
	case KindRedis:
		var rp *redispool.Pool
		if rp, err = redispool.New(c.RedispoolOptions()); err == nil {
			target = rp
		}
	default:
		err = fmt.Errorf("unknown target kind %q", c.Target.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s target: %w", c.Target.Kind, err)
	}
	return target, nil
}
