// Package netpool pools stream connections to a line-delimited JSON-RPC 2.0
// service reachable over TCP or a Unix socket.
//
// Idle connections are pinged before reuse. A call that fails at the
// transport level discards its connection; an RPC error returned by the
// server leaves the connection in the pool.
package netpool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-i2p/objpool/lib/metrics"
	"github.com/go-i2p/objpool/lib/pool"
	"github.com/go-i2p/objpool/lib/resilience"
)

// ErrNoAddress is returned by New when no address is configured.
var ErrNoAddress = errors.New("netpool: address is required")

// CallLatency tracks JSON-RPC round-trip time, excluding pool wait.
var CallLatency = metrics.NewHistogram(
	"objpool_netpool_call_duration_seconds",
	"Time spent in a pooled JSON-RPC round trip",
	metrics.DefaultLatencyBuckets,
)

// Conn is a pooled connection.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Config configures a Client.
type Config struct {
	// Network is "tcp" or "unix".
	// Default: "tcp"
	Network string
	// Address is the host:port or socket path to dial.
	Address string
	// DialTimeout bounds a single dial.
	// Default: 5 seconds
	DialTimeout time.Duration
	// CallTimeout bounds the write and read of one call.
	// Default: 30 seconds
	CallTimeout time.Duration
	// PingTimeout bounds the validity check of an idle connection.
	// Default: 2 seconds
	PingTimeout time.Duration
	// Pool configures the connection pool.
	Pool pool.Config
	// Breaker configures the dial circuit breaker.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	poolCfg := pool.DefaultConfig()
	poolCfg.Name = "netpool"
	return Config{
		Network:     "tcp",
		DialTimeout: 5 * time.Second,
		CallTimeout: 30 * time.Second,
		PingTimeout: 2 * time.Second,
		Pool:        poolCfg,
		Breaker:     resilience.DefaultCircuitBreakerConfig(),
	}
}

// Client is a JSON-RPC client backed by a connection pool.
type Client struct {
	cfg     Config
	pool    *pool.Pool[*Conn]
	breaker *resilience.CircuitBreaker
	nextID  atomic.Uint64
}

// New creates a pooled client. No connection is dialed until the first call.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, ErrNoAddress
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}

	c := &Client{cfg: cfg}
	c.breaker = resilience.NewCircuitBreaker(cfg.Network+"://"+cfg.Address, cfg.Breaker)

	p, err := pool.New(resilience.GuardFactory[*Conn](c, c.breaker), cfg.Pool)
	if err != nil {
		return nil, err
	}
	c.pool = p

	log.WithField("address", cfg.Address).WithField("poolSize", cfg.Pool.MaxSize).Debug("pooled JSON-RPC client created")
	return c, nil
}

// Create dials and wraps a new connection.
func (c *Client) Create(ctx context.Context) (*Conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, c.cfg.Network, c.cfg.Address)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Destroy closes the connection.
func (c *Client) Destroy(pc *Conn) error {
	return pc.conn.Close()
}

// IsValid pings an idle connection.
func (c *Client) IsValid(pc *Conn) bool {
	resp, err := c.roundTrip(pc, PingMethod, nil, c.cfg.PingTimeout)
	if err != nil {
		log.WithError(err).WithField("address", c.cfg.Address).Debug("pooled connection failed ping")
		return false
	}
	return resp.Error == nil
}

// Call invokes method with params and decodes the result into result, which
// may be nil.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	pc, err := c.pool.Borrow(ctx)
	if err != nil {
		log.WithError(err).WithField("method", method).Error("failed to acquire connection from pool")
		return fmt.Errorf("acquire connection: %w", err)
	}

	timeout := c.cfg.CallTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	timer := metrics.NewTimer(CallLatency)
	resp, err := c.roundTrip(pc, method, params, timeout)
	timer.ObserveDuration()
	if err != nil {
		c.pool.Discard(pc)
		return err
	}
	c.pool.Release(pc)

	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// Ping calls the ping method.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, PingMethod, nil, nil)
}

// roundTrip writes one request and reads one response on pc.
func (c *Client) roundTrip(pc *Conn, method string, params any, timeout time.Duration) (*Response, error) {
	req, err := newRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	if err := pc.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	defer pc.conn.SetDeadline(time.Time{})

	if _, err := pc.conn.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	line, err := pc.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if string(resp.ID) != string(req.ID) {
		return nil, fmt.Errorf("response id %s does not match request id %s", resp.ID, req.ID)
	}
	return &resp, nil
}

// Stats returns pool statistics.
func (c *Client) Stats() pool.Stats {
	return c.pool.Stats()
}

// Breaker returns the dial circuit breaker.
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// Close closes the client and all pooled connections.
func (c *Client) Close() error {
	log.Debug("closing pooled JSON-RPC client")
	return c.pool.Close()
}
