// poolctl probes and soak-tests bounded connection pools.
//
// It opens a pool against a JSON-RPC service, a PostgreSQL server or a
// Redis server, then either borrows a single connection or drives
// concurrent load through the pool and reports how it behaved.
//
// Usage:
//
//	poolctl [flags] probe
//	poolctl [flags] soak
//	poolctl [flags] config [path]
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.poolctl/config.toml")
//	-kind string
//	    Target kind: rpc, postgres or redis (overrides config)
//	-address string
//	    RPC address, PostgreSQL DSN or Redis URL depending on kind (overrides config)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/go-i2p/objpool/lib/config"
	"github.com/go-i2p/objpool/lib/metrics"
	"github.com/go-i2p/objpool/lib/pool"
	"github.com/go-i2p/objpool/lib/soak"
	"github.com/go-i2p/objpool/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// Determine default config path
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".poolctl", "config.toml")

	fs := flag.NewFlagSet("poolctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	kind := fs.String("kind", "", "Target kind: rpc, postgres or redis (overrides config)")
	address := fs.String("address", "", "RPC address, PostgreSQL DSN or Redis URL depending on kind (overrides config)")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "poolctl - Bounded connection pool probe and soak tool\n\n")
		fmt.Fprintf(stderr, "Usage:\n")
		fmt.Fprintf(stderr, "  poolctl [flags] probe           Borrow one connection and print pool stats\n")
		fmt.Fprintf(stderr, "  poolctl [flags] soak            Drive concurrent load through the pool\n")
		fmt.Fprintf(stderr, "  poolctl [flags] config [path]   Print or write the effective configuration\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	// Handle version flag
	if *showVersion {
		fmt.Fprintln(stdout, version.String("poolctl"))
		return 0
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	applyOverrides(cfg, *kind, *address)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	// Create a context that is cancelled on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	switch rest[0] {
	case "probe":
		return handleProbe(ctx, cfg, logger, stdout)
	case "soak":
		return handleSoak(ctx, cfg, logger, stdout)
	case "config":
		return handleConfig(cfg, rest[1:], logger, stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", rest[0])
		fs.Usage()
		return 2
	}
}

// applyOverrides applies command-line overrides to cfg.
func applyOverrides(cfg *config.Config, kind, address string) {
	if kind != "" {
		cfg.Target.Kind = kind
	}
	if address == "" {
		return
	}
	switch cfg.Target.Kind {
	case config.KindPostgres:
		cfg.Target.DSN = address
	case config.KindRedis:
		cfg.Target.URL = address
	default:
		cfg.Target.Address = address
	}
}

// handleProbe borrows one connection and prints pool stats.
func handleProbe(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) int {
	target, err := cfg.OpenTarget()
	if err != nil {
		logger.Error("failed to open target", "error", err)
		return 1
	}
	defer target.Close()

	start := time.Now()
	err = target.Ping(ctx)
	elapsed := time.Since(start)

	stats := target.Stats()
	pool.UpdateMetrics(stats)
	renderStats(stdout, stats)

	if err != nil {
		logger.Error("probe failed", "kind", cfg.Target.Kind, "error", err, "elapsed", elapsed)
		return 1
	}
	logger.Info("probe succeeded", "kind", cfg.Target.Kind, "elapsed", elapsed)
	return 0
}

// handleSoak drives load through the target until the configured duration
// passes or a signal arrives.
func handleSoak(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) int {
	target, err := cfg.OpenTarget()
	if err != nil {
		logger.Error("failed to open target", "error", err)
		return 1
	}
	defer target.Close()

	runner, err := soak.NewRunner(target, cfg.SoakOptions())
	if err != nil {
		logger.Error("failed to create soak runner", "error", err)
		return 1
	}

	if cfg.Soak.MetricsListen != "" {
		srv := startMetricsServer(cfg.Soak.MetricsListen, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", "error", err)
			}
		}()
	}

	logger.Info("soak started", "kind", cfg.Target.Kind, "workers", cfg.Soak.Workers, "version", version.Version)
	report, err := runner.Run(ctx)
	renderReport(stdout, report)
	renderStats(stdout, report.Pool)

	if err != nil {
		logger.Error("soak aborted", "error", err)
		return 1
	}
	if report.Attempts > 0 && report.Successes == 0 {
		logger.Error("no borrow succeeded", "lastError", report.LastError)
		return 1
	}
	return 0
}

// startMetricsServer serves /metrics in the background.
func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	metrics.RecordStartTime()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

// handleConfig prints the effective configuration, or writes it to the
// given path.
func handleConfig(cfg *config.Config, args []string, logger *slog.Logger, stdout io.Writer) int {
	if len(args) > 0 {
		if err := config.SaveConfig(cfg, args[0]); err != nil {
			logger.Error("failed to save config", "error", err)
			return 1
		}
		logger.Info("configuration written", "path", args[0])
		return 0
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		logger.Error("failed to marshal config", "error", err)
		return 1
	}
	stdout.Write(data)
	return 0
}
