package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-i2p/objpool/lib/config"
	"github.com/go-i2p/objpool/lib/pool"
)

// pingServer answers every JSON-RPC request with "pong".
func pingServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadBytes('\n')
					if err != nil {
						return
					}
					var req struct {
						ID json.RawMessage `json:"id"`
					}
					if err := json.Unmarshal(line, &req); err != nil {
						return
					}
					resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "result": "pong", "id": req.ID})
					if _, err := conn.Write(append(resp, '\n')); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func runCmd(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func missingConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "config.toml")
}

func TestRunVersion(t *testing.T) {
	code, out, _ := runCmd(t, "-version")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.HasPrefix(out, "poolctl ") {
		t.Errorf("output = %q, want poolctl banner", out)
	}
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", []string{"-config", missingConfig(t)}, 2},
		{"unknown command", []string{"-config", missingConfig(t), "frobnicate"}, 2},
		{"bad flag", []string{"-nope"}, 2},
		{"bad kind", []string{"-config", missingConfig(t), "-kind", "mongo", "probe"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := runCmd(t, tt.args...); code != tt.want {
				t.Errorf("exit code = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestRunConfigPrints(t *testing.T) {
	code, out, _ := runCmd(t, "-config", missingConfig(t), "config")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	for _, want := range []string{"[pool]", "max_size = 10", "wait_max_ms = 1000", "[target]"} {
		if !strings.Contains(out, want) {
			t.Errorf("config output missing %q:\n%s", want, out)
		}
	}
}

func TestRunConfigWritesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "poolctl.toml")
	code, _, stderr := runCmd(t,
		"-config", missingConfig(t),
		"-kind", "redis",
		"-address", "redis://cache:6379/3",
		"config", path,
	)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Target.Kind != config.KindRedis || cfg.Target.URL != "redis://cache:6379/3" {
		t.Errorf("target = %+v, want redis override", cfg.Target)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	applyOverrides(cfg, "postgres", "postgres://db/app")
	if cfg.Target.DSN != "postgres://db/app" {
		t.Errorf("DSN = %q", cfg.Target.DSN)
	}
	if cfg.Target.Address != config.DefaultAddress {
		t.Errorf("rpc address changed to %q", cfg.Target.Address)
	}

	cfg = config.DefaultConfig()
	applyOverrides(cfg, "", "10.0.0.1:7700")
	if cfg.Target.Address != "10.0.0.1:7700" {
		t.Errorf("Address = %q", cfg.Target.Address)
	}
}

func TestRunProbe(t *testing.T) {
	addr := pingServer(t)
	code, out, stderr := runCmd(t, "-config", missingConfig(t), "-address", addr, "probe")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	if !strings.Contains(out, "In use") {
		t.Errorf("stats table missing from output:\n%s", out)
	}
}

func TestRunProbeUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	code, _, stderr := runCmd(t, "-config", missingConfig(t), "-address", addr, "probe")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "probe failed") {
		t.Errorf("stderr missing failure log:\n%s", stderr)
	}
}

func TestRunSoak(t *testing.T) {
	addr := pingServer(t)
	path := filepath.Join(t.TempDir(), "poolctl.toml")
	content := "[pool]\nmax_size = 2\n\n[target]\naddress = \"" + addr + "\"\n\n[soak]\nworkers = 3\nduration_ms = 150\nrate = 0\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	code, out, stderr := runCmd(t, "-config", path, "soak")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	if !strings.Contains(out, "Attempts") || !strings.Contains(out, "Exhausted") {
		t.Errorf("soak report missing from output:\n%s", out)
	}
}

func TestRenderStats(t *testing.T) {
	var buf bytes.Buffer
	renderStats(&buf, pool.Stats{Name: "demo", MaxSize: 4, NumOpen: 3, NumIdle: 1, NumInUse: 2, Created: 5})
	out := buf.String()
	for _, want := range []string{"Max size", "4", "Open", "3", "Created", "5"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}
