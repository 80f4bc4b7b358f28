package pgpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"

	"github.com/go-i2p/objpool/lib/pool"
)

// closedPort returns a loopback address nothing is listening on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(DefaultConfig()); !errors.Is(err, ErrNoDSN) {
		t.Errorf("New() error = %v, want ErrNoDSN", err)
	}
}

func TestNewRejectsBadDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DSN = "postgres://user@localhost:notaport/db"
	if _, err := New(cfg); err == nil {
		t.Error("New() with malformed DSN succeeded")
	}
}

func TestNewRejectsInvalidPoolConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DSN = "postgres://user@localhost:5432/db"
	cfg.Pool.WaitMax = -time.Second
	if _, err := New(cfg); !errors.Is(err, pool.ErrInvalidConfig) {
		t.Errorf("New() error = %v, want ErrInvalidConfig", err)
	}
}

func TestConnectFailurePropagates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DSN = fmt.Sprintf("postgres://user:secret@%s/db?sslmode=disable", closedPort(t))
	cfg.ConnectTimeout = 2 * time.Second
	cfg.Pool.MaxSize = 2

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	err = p.Ping(context.Background())
	if !errors.Is(err, pool.ErrCreateFailed) {
		t.Errorf("Ping() error = %v, want ErrCreateFailed", err)
	}
	if got := p.Stats().NumOpen; got != 0 {
		t.Errorf("NumOpen = %d, want 0 after failed connect", got)
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"no rows", pgx.ErrNoRows, false},
		{"unique violation", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, false},
		{"query canceled", &pgconn.PgError{Code: pgerrcode.QueryCanceled}, false},
		{"connection failure", &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, true},
		{"admin shutdown", &pgconn.PgError{Code: pgerrcode.AdminShutdown}, true},
		{"wrapped", fmt.Errorf("exec: %w", &pgconn.PgError{Code: pgerrcode.ConnectionException}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// TestPoolAgainstDatabase runs against a live server when
// OBJPOOL_TEST_POSTGRES_DSN is set.
func TestPoolAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("OBJPOOL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OBJPOOL_TEST_POSTGRES_DSN not set")
	}

	cfg := DefaultConfig()
	cfg.DSN = dsn
	cfg.Pool.MaxSize = 2
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	if err := p.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	var n int
	if err := p.QueryRow(ctx, "SELECT $1::int + 1", []any{41}, &n); err != nil {
		t.Fatalf("QueryRow() error = %v", err)
	}
	if n != 42 {
		t.Errorf("QueryRow result = %d, want 42", n)
	}

	errAbort := errors.New("abort")
	err = p.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "CREATE TEMP TABLE objpool_probe (id int)"); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Errorf("InTx() error = %v, want %v", err, errAbort)
	}

	if s := p.Stats(); s.NumOpen > 2 || s.NumInUse != 0 {
		t.Errorf("stats = %+v, want at most 2 open and none in use", s)
	}
}
