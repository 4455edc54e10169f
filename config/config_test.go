package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `
[node]
DataDir = "data"
DBBackend = "bolt"
KeystorePath = "/etc/obsync/node.keystore"
Validator = true

[p2p]
ListenAddress = "0.0.0.0:7200"
NetworkID = "obsync-test"
Bootnodes = ["10.0.0.2:7200"]
DNSSeeds = ["seeds.obsync.test"]
ReadTimeout = "45s"

[rpc]
ListenAddress = "127.0.0.1:9000"
GRPCListenAddress = "127.0.0.1:9001"
RateLimit = 5.5

[runtime]
Kind = "sql"
Driver = "postgres"
DSN = "postgres://obsync@db/obsync"
PollInterval = "500ms"

[worker]
TickInterval = "250ms"
MaxBuffered = 128
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.DataDir != filepath.Join(filepath.Dir(path), "data") {
		t.Fatalf("data dir not anchored at config dir: %s", cfg.Node.DataDir)
	}
	if cfg.Node.KeystorePath != "/etc/obsync/node.keystore" {
		t.Fatalf("absolute keystore path rewritten: %s", cfg.Node.KeystorePath)
	}
	if cfg.Node.DBBackend != "bolt" || !cfg.Node.Validator {
		t.Fatalf("unexpected node section: %+v", cfg.Node)
	}
	if cfg.P2P.ReadTimeout.Duration() != 45*time.Second {
		t.Fatalf("read timeout = %s", cfg.P2P.ReadTimeout.Duration())
	}
	if len(cfg.P2P.DNSSeeds) != 1 || cfg.P2P.DNSSeeds[0] != "seeds.obsync.test" {
		t.Fatalf("dns seeds = %v", cfg.P2P.DNSSeeds)
	}
	if cfg.RPC.RateLimit != 5.5 || cfg.RPC.GRPCListenAddress != "127.0.0.1:9001" {
		t.Fatalf("unexpected rpc section: %+v", cfg.RPC)
	}
	if cfg.Runtime.PollInterval.Duration() != 500*time.Millisecond {
		t.Fatalf("poll interval = %s", cfg.Runtime.PollInterval.Duration())
	}
	if cfg.Worker.TickInterval.Duration() != 250*time.Millisecond || cfg.Worker.MaxBuffered != 128 {
		t.Fatalf("unexpected worker section: %+v", cfg.Worker)
	}
	// Unset keys keep their defaults.
	if cfg.Worker.ChunkSize != Default().Worker.ChunkSize {
		t.Fatalf("chunk size default lost: %d", cfg.Worker.ChunkSize)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.Runtime.Kind != "noop" {
		t.Fatalf("default runtime = %q", cfg.Runtime.Kind)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload default: %v", err)
	}
	if again.Worker != cfg.Worker || again.Node != cfg.Node {
		t.Fatalf("reloaded config differs:\n%+v\n%+v", again, cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[node]
DataDir = "data"
ValidatorKey = "deadbeef"

[mempool]
MaxBytes = 10
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected unknown keys to be rejected")
	}
	for _, key := range []string{"node.ValidatorKey", "mempool"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not name %s", err, key)
		}
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
[worker]
TickInterval = "soon"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duration error")
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"backend", func(c *Config) { c.Node.DBBackend = "rocksdb" }, "db_backend"},
		{"runtime kind", func(c *Config) { c.Runtime.Kind = "substrate" }, "unknown kind"},
		{"sql driver", func(c *Config) { c.Runtime.Kind = "sql"; c.Runtime.DSN = "x" }, "sql driver"},
		{"sql dsn", func(c *Config) { c.Runtime.Kind = "sql"; c.Runtime.Driver = "sqlite" }, "dsn"},
		{"sql ok", func(c *Config) { c.Runtime.Kind = "SQL"; c.Runtime.Driver = "sqlite"; c.Runtime.DSN = "file:obsync.db" }, ""},
		{"tick", func(c *Config) { c.Worker.TickInterval = Duration(time.Millisecond) }, "tick_interval"},
		{"timeout", func(c *Config) { c.Worker.RequestTimeout = 0 }, "request_timeout"},
		{"chunk", func(c *Config) { c.Worker.ChunkSize = 10 }, "chunk_size"},
		{"buffer", func(c *Config) { c.Worker.MaxBuffered = 0 }, "max_buffered"},
		{"same listener", func(c *Config) { c.RPC.GRPCListenAddress = c.RPC.ListenAddress }, "same address"},
		{"rate", func(c *Config) { c.P2P.RateBurst = -1 }, "rate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := ValidateConfig(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSecretsFromEnvironment(t *testing.T) {
	cfg := Default()
	t.Setenv(DefaultPassphraseEnv, "hunter2")
	t.Setenv(DefaultJWTSecretEnv, "  jwt-secret \n")
	if got := cfg.Passphrase(); got != "hunter2" {
		t.Fatalf("passphrase = %q", got)
	}
	if got := cfg.JWTSecret(); got != "jwt-secret" {
		t.Fatalf("jwt secret = %q", got)
	}
	cfg.RPC.JWTSecretEnv = ""
	if got := cfg.JWTSecret(); got != "" {
		t.Fatalf("jwt secret without env = %q", got)
	}
}
