package config

import (
	"fmt"
	"strings"
	"time"
)

var (
	MinTickInterval   = 10 * time.Millisecond
	MinRequestTimeout = 100 * time.Millisecond
	MinChunkSize      = 1024
)

var (
	dbBackends   = map[string]bool{"leveldb": true, "bolt": true, "memory": true}
	runtimeKinds = map[string]bool{"noop": true, "memory": true, "sql": true}
	sqlDrivers   = map[string]bool{"sqlite": true, "postgres": true}
)

func ValidateConfig(c *Config) error {
	if strings.TrimSpace(c.Node.DataDir) == "" {
		return fmt.Errorf("node: data_dir empty")
	}
	if !dbBackends[c.Node.DBBackend] {
		return fmt.Errorf("node: unknown db_backend %q", c.Node.DBBackend)
	}
	if c.Node.KeystorePath == "" {
		return fmt.Errorf("node: keystore_path empty")
	}
	if c.P2P.MaxPeers < 0 {
		return fmt.Errorf("p2p: max_peers < 0")
	}
	if c.P2P.RateMsgsPerSec < 0 || c.P2P.RateBurst < 0 {
		return fmt.Errorf("p2p: negative rate limit")
	}
	if c.RPC.RateLimit < 0 {
		return fmt.Errorf("rpc: rate_limit < 0")
	}
	if c.RPC.ListenAddress != "" && c.RPC.ListenAddress == c.RPC.GRPCListenAddress {
		return fmt.Errorf("rpc: http and grpc listen on the same address")
	}
	kind := strings.ToLower(c.Runtime.Kind)
	if !runtimeKinds[kind] {
		return fmt.Errorf("runtime: unknown kind %q", c.Runtime.Kind)
	}
	if kind == "sql" {
		if !sqlDrivers[c.Runtime.Driver] {
			return fmt.Errorf("runtime: unknown sql driver %q", c.Runtime.Driver)
		}
		if c.Runtime.DSN == "" {
			return fmt.Errorf("runtime: sql dsn empty")
		}
		if c.Runtime.PollInterval.Duration() <= 0 {
			return fmt.Errorf("runtime: poll_interval <= 0")
		}
	}
	if c.Worker.TickInterval.Duration() < MinTickInterval {
		return fmt.Errorf("worker: tick_interval below %s", MinTickInterval)
	}
	if c.Worker.RequestTimeout.Duration() < MinRequestTimeout {
		return fmt.Errorf("worker: request_timeout below %s", MinRequestTimeout)
	}
	if c.Worker.ChunkSize < MinChunkSize {
		return fmt.Errorf("worker: chunk_size below %d", MinChunkSize)
	}
	if c.Worker.MaxBuffered <= 0 || c.Worker.MaxBlocksPerStep == 0 {
		return fmt.Errorf("worker: max_buffered and max_blocks_per_step must be positive")
	}
	return nil
}
