// Package pgpool is a bounded pool of dedicated PostgreSQL connections.
//
// Unlike pgxpool, each borrowed *pgx.Conn is held exclusively until it is
// returned, and the pool never grows beyond its configured size. Callers
// wait up to the pool's WaitMax for a connection and then fail with
// pool.ErrPoolExhausted.
package pgpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"

	"github.com/go-i2p/objpool/lib/pool"
	"github.com/go-i2p/objpool/lib/resilience"
)

// ErrNoDSN is returned by New when no connection string is configured.
var ErrNoDSN = errors.New("pgpool: database connection string is empty")

// Config configures a Pool.
type Config struct {
	// DSN is a libpq-style URL or keyword/value connection string.
	DSN string
	// ConnectTimeout overrides the DSN's connect_timeout when positive.
	ConnectTimeout time.Duration
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
	poolCfg.Name = "pgpool"
	return Config{
		ConnectTimeout: 5 * time.Second,
		PingTimeout:    2 * time.Second,
		Pool:           poolCfg,
		Breaker:        resilience.DefaultCircuitBreakerConfig(),
	}
}

// Pool hands out dedicated PostgreSQL connections.
type Pool struct {
	connCfg     *pgx.ConnConfig
	pingTimeout time.Duration
	pool        *pool.Pool[*pgx.Conn]
	breaker     *resilience.CircuitBreaker
}

// New parses the DSN and creates the pool. No connection is opened until
// the first borrow.
func New(cfg Config) (*Pool, error) {
	if cfg.DSN == "" {
		return nil, ErrNoDSN
	}
	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		connCfg.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}

	p := &Pool{
		connCfg:     connCfg,
		pingTimeout: cfg.PingTimeout,
		breaker:     resilience.NewCircuitBreaker("postgres://"+connCfg.Host, cfg.Breaker),
	}
	inner, err := pool.New(resilience.GuardFactory[*pgx.Conn](p, p.breaker), cfg.Pool)
	if err != nil {
		return nil, err
	}
	p.pool = inner

	log.WithField("host", connCfg.Host).WithField("database", connCfg.Database).Debug("postgres pool created")
	return p, nil
}

// Create opens a new connection.
func (p *Pool) Create(ctx context.Context) (*pgx.Conn, error) {
	return pgx.ConnectConfig(ctx, p.connCfg.Copy())
}

// Destroy closes the connection.
func (p *Pool) Destroy(conn *pgx.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.pingTimeout)
	defer cancel()
	return conn.Close(ctx)
}

// IsValid reports whether an idle connection is open and answers a ping.
func (p *Pool) IsValid(conn *pgx.Conn) bool {
	if conn.IsClosed() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.pingTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		log.WithError(err).WithField("host", p.connCfg.Host).Debug("pooled postgres connection failed ping")
		return false
	}
	return true
}

// Acquire borrows a connection. It must be returned with Return.
func (p *Pool) Acquire(ctx context.Context) (*pgx.Conn, error) {
	return p.pool.Borrow(ctx)
}

// Return gives conn back to the pool, or discards it if err shows the
// connection is unusable.
func (p *Pool) Return(conn *pgx.Conn, err error) {
	if conn.IsClosed() || IsConnectionError(err) {
		log.WithError(err).WithField("host", p.connCfg.Host).Debug("discarding broken postgres connection")
		p.pool.Discard(conn)
		return
	}
	p.pool.Release(conn)
}

// With borrows a connection for the duration of fn.
func (p *Pool) With(ctx context.Context, fn func(*pgx.Conn) error) (err error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.pool.Discard(conn)
			panic(r)
		}
		p.Return(conn, err)
	}()
	return fn(conn)
}

// Exec runs sql on a pooled connection.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := p.With(ctx, func(conn *pgx.Conn) error {
		var err error
		tag, err = conn.Exec(ctx, sql, args...)
		return err
	})
	return tag, err
}

// QueryRow runs sql on a pooled connection and scans the first row into dest.
// It returns pgx.ErrNoRows when the query yields nothing.
func (p *Pool) QueryRow(ctx context.Context, sql string, args []any, dest ...any) error {
	return p.With(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, sql, args...).Scan(dest...)
	})
}

// InTx runs fn inside a transaction on a pooled connection. The transaction
// is committed if fn returns nil and rolled back otherwise.
func (p *Pool) InTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return p.With(ctx, func(conn *pgx.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				log.WithError(rbErr).WithField("host", p.connCfg.Host).Warn("rollback failed")
			}
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

// Ping checks the database on a pooled connection.
func (p *Pool) Ping(ctx context.Context) error {
	return p.With(ctx, func(conn *pgx.Conn) error {
		return conn.Ping(ctx)
	})
}

// Stats returns pool statistics.
func (p *Pool) Stats() pool.Stats {
	return p.pool.Stats()
}

// Breaker returns the connect circuit breaker.
func (p *Pool) Breaker() *resilience.CircuitBreaker {
	return p.breaker
}

// Close closes the pool and every connection it opened.
func (p *Pool) Close() error {
	log.Debug("closing postgres pool")
	return p.pool.Close()
}

// IsConnectionError reports whether err is a server error that leaves the
// connection unusable.
func IsConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.AdminShutdown, pgerrcode.CrashShutdown, pgerrcode.CannotConnectNow:
		return true
	}
	return pgerrcode.IsConnectionException(pgErr.Code)
}
