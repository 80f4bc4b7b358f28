// Package redispool pools sticky Redis connections.
//
// A single redis.Client owns the sockets; its internal pool is sized to the
// same bound as the object pool so each borrowed *redis.Conn maps to one
// dedicated server connection. That makes connection-scoped state such as
// SELECT, CLIENT SETNAME or WATCH safe between Borrow and Release.
package redispool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-i2p/objpool/lib/pool"
	"github.com/go-i2p/objpool/lib/resilience"
)

// ErrNoURL is returned by New when no URL is configured.
var ErrNoURL = errors.New("redispool: redis url is required")

// Config configures a Pool.
type Config struct {
	// URL is a redis:// or rediss:// URL.
	URL string
	// DialTimeout overrides the client dial timeout when positive.
	DialTimeout time.Duration
	// PingTimeout bounds the validity check of an idle connection.
	// Default: 2 seconds
	PingTimeout time.Duration
	// Pool configures the connection pool.
	Pool pool.Config
	// Breaker configures the connect circuit breaker.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	poolCfg := pool.DefaultConfig()
	poolCfg.Name = "redispool"
	return Config{
		URL:         "redis://127.0.0.1:6379/0",
		DialTimeout: 5 * time.Second,
		PingTimeout: 2 * time.Second,
		Pool:        poolCfg,
		Breaker:     resilience.DefaultCircuitBreakerConfig(),
	}
}

// Pool hands out dedicated Redis connections.
type Pool struct {
	client      *redis.Client
	addr        string
	pingTimeout time.Duration
	pool        *pool.Pool[*redis.Conn]
	breaker     *resilience.CircuitBreaker
}

// New creates the pool. No connection is opened until the first borrow.
func New(cfg Config) (*Pool, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if err := cfg.Pool.Validate(); err != nil {
		return nil, err
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	opts.PoolSize = cfg.Pool.MaxSize
	opts.MinIdleConns = 0

	p := &Pool{
		client:      redis.NewClient(opts),
		addr:        opts.Addr,
		pingTimeout: cfg.PingTimeout,
		breaker:     resilience.NewCircuitBreaker("redis://"+opts.Addr, cfg.Breaker),
	}
	inner, err := pool.New(resilience.GuardFactory[*redis.Conn](p, p.breaker), cfg.Pool)
	if err != nil {
		p.client.Close()
		return nil, err
	}
	p.pool = inner

	log.WithField("addr", opts.Addr).WithField("db", opts.DB).Debug("redis pool created")
	return p, nil
}

// Create takes a sticky connection from the client and checks it answers.
func (p *Pool) Create(ctx context.Context) (*redis.Conn, error) {
	conn := p.client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Destroy closes the sticky connection.
func (p *Pool) Destroy(conn *redis.Conn) error {
	return conn.Close()
}

// IsValid pings an idle connection.
func (p *Pool) IsValid(conn *redis.Conn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.pingTimeout)
	defer cancel()
	if err := conn.Ping(ctx).Err(); err != nil {
		log.WithError(err).WithField("addr", p.addr).Debug("pooled redis connection failed ping")
		return false
	}
	return true
}

// Do borrows a connection for the duration of fn. The connection is
// discarded if fn fails with anything other than a server reply error.
func (p *Pool) Do(ctx context.Context, fn func(*redis.Conn) error) (err error) {
	conn, err := p.pool.Borrow(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.pool.Discard(conn)
			panic(r)
		}
		if IsTransportError(err) {
			log.WithError(err).WithField("addr", p.addr).Debug("discarding broken redis connection")
			p.pool.Discard(conn)
			return
		}
		p.pool.Release(conn)
	}()
	return fn(conn)
}

// Ping checks the server on a pooled connection.
func (p *Pool) Ping(ctx context.Context) error {
	return p.Do(ctx, func(conn *redis.Conn) error {
		return conn.Ping(ctx).Err()
	})
}

// Stats returns pool statistics.
func (p *Pool) Stats() pool.Stats {
	return p.pool.Stats()
}

// ClientStats returns the socket-level statistics of the underlying client.
func (p *Pool) ClientStats() *redis.PoolStats {
	return p.client.PoolStats()
}

// Breaker returns the connect circuit breaker.
func (p *Pool) Breaker() *resilience.CircuitBreaker {
	return p.breaker
}

// Close closes the pool and then the underlying client.
func (p *Pool) Close() error {
	log.Debug("closing redis pool")
	poolErr := p.pool.Close()
	if err := p.client.Close(); err != nil && poolErr == nil {
		return err
	}
	return poolErr
}

// IsTransportError reports whether err means the connection it came from
// should not be reused. Nil replies and server error replies do not count.
func IsTransportError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var replyErr redis.Error
	return !errors.As(err, &replyErr)
}
