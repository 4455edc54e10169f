package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Node      Node      `toml:"node"`
	P2P       P2P       `toml:"p2p"`
	RPC       RPC       `toml:"rpc"`
	Runtime   Runtime   `toml:"runtime"`
	Worker    Worker    `toml:"worker"`
	Telemetry Telemetry `toml:"telemetry"`
	Log       Log       `toml:"log"`
}

const (
	DefaultPassphraseEnv = "OBSYNC_KEYSTORE_PASSPHRASE"
	DefaultJWTSecretEnv  = "OBSYNC_RPC_JWT_SECRET"
)

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		Node: Node{
			DataDir:       "./obsync-data",
			DBBackend:     "leveldb",
			KeystorePath:  "./obsync-data/node.keystore",
			PassphraseEnv: DefaultPassphraseEnv,
		},
		P2P: P2P{
			ListenAddress:    ":7100",
			NetworkID:        "obsync-local",
			MaxPeers:         32,
			Bootnodes:        []string{},
			DNSSeeds:         []string{},
			ReadTimeout:      Duration(90 * time.Second),
			WriteTimeout:     Duration(5 * time.Second),
			HandshakeTimeout: Duration(5 * time.Second),
			MaxMessageBytes:  4 << 20,
			RateMsgsPerSec:   200,
			RateBurst:        400,
		},
		RPC: RPC{
			ListenAddress:  ":8545",
			MaxConnections: 256,
			RateLimit:      50,
			RateBurst:      100,
			ReadTimeout:    Duration(15 * time.Second),
			JWTSecretEnv:   DefaultJWTSecretEnv,
			JWTLeeway:      Duration(30 * time.Second),
		},
		Runtime: Runtime{
			Kind:         "noop",
			PollInterval: Duration(2 * time.Second),
		},
		Worker: Worker{
			TickInterval:     Duration(time.Second),
			RequestTimeout:   Duration(5 * time.Second),
			MaxBuffered:      4096,
			ChunkSize:        256 * 1024,
			EarlyPartials:    256,
			ActionCacheSize:  1024,
			MaxBlocksPerStep: 64,
		},
		Log: Log{
			Environment: "local",
			Level:       "info",
			MaxSizeMB:   100,
			MaxBackups:  5,
		},
	}
}

// Load reads the configuration at path, writing the defaults there first
// when the file does not exist. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	cfg.resolvePaths(path)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths anchors relative file paths at the config file's directory.
func (c *Config) resolvePaths(configPath string) {
	base := filepath.Dir(configPath)
	for _, p := range []*string{&c.Node.DataDir, &c.Node.KeystorePath, &c.Node.BLSKeyPath, &c.Runtime.GenesisPath, &c.Log.File} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.resolvePaths(path)
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Passphrase returns the keystore passphrase from the configured environment
// variable, or "" when it is unset.
func (c *Config) Passphrase() string {
	name := c.Node.PassphraseEnv
	if name == "" {
		name = DefaultPassphraseEnv
	}
	return os.Getenv(name)
}

// JWTSecret returns the RPC bearer secret; empty disables authentication.
func (c *Config) JWTSecret() string {
	if c.RPC.JWTSecretEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.RPC.JWTSecretEnv))
}
