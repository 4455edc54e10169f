package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("1s", "250ms").
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// Node holds the local identity and storage settings.
type Node struct {
	DataDir   string `toml:"DataDir"`
	DBBackend string `toml:"DBBackend"`
	// KeystorePath is the go-ethereum v3 keystore with the node key. On the
	// sequencer the node key is the operator key.
	KeystorePath string `toml:"KeystorePath"`
	// PassphraseEnv names the environment variable holding the keystore
	// passphrase.
	PassphraseEnv string `toml:"PassphraseEnv"`
	// BLSKeyPath optionally points at a hex-encoded BLS seed. When empty the
	// BLS key is derived from the node key.
	BLSKeyPath string `toml:"BLSKeyPath"`
	// Validator enables snapshot signing.
	Validator bool `toml:"Validator"`
}

type P2P struct {
	ListenAddress    string   `toml:"ListenAddress"`
	NetworkID        string   `toml:"NetworkID"`
	MaxPeers         int      `toml:"MaxPeers"`
	Bootnodes        []string `toml:"Bootnodes"`
	DNSSeeds         []string `toml:"DNSSeeds"`
	DNSServer        string   `toml:"DNSServer"`
	ReadTimeout      Duration `toml:"ReadTimeout"`
	WriteTimeout     Duration `toml:"WriteTimeout"`
	HandshakeTimeout Duration `toml:"HandshakeTimeout"`
	MaxMessageBytes  int      `toml:"MaxMessageBytes"`
	RateMsgsPerSec   float64  `toml:"RateMsgsPerSec"`
	RateBurst        int      `toml:"RateBurst"`
}

type RPC struct {
	ListenAddress     string   `toml:"ListenAddress"`
	GRPCListenAddress string   `toml:"GRPCListenAddress"`
	MaxConnections    int      `toml:"MaxConnections"`
	RateLimit         float64  `toml:"RateLimit"`
	RateBurst         int      `toml:"RateBurst"`
	ReadTimeout       Duration `toml:"ReadTimeout"`
	JWTSecretEnv      string   `toml:"JWTSecretEnv"`
	JWTIssuer         string   `toml:"JWTIssuer"`
	JWTAudience       string   `toml:"JWTAudience"`
	JWTLeeway         Duration `toml:"JWTLeeway"`
}

type Runtime struct {
	Kind         string   `toml:"Kind"`
	GenesisPath  string   `toml:"GenesisPath"`
	Driver       string   `toml:"Driver"`
	DSN          string   `toml:"DSN"`
	PollInterval Duration `toml:"PollInterval"`
}

type Worker struct {
	TickInterval     Duration `toml:"TickInterval"`
	RequestTimeout   Duration `toml:"RequestTimeout"`
	MaxBuffered      int      `toml:"MaxBuffered"`
	ChunkSize        int      `toml:"ChunkSize"`
	EarlyPartials    int      `toml:"EarlyPartials"`
	ActionCacheSize  int      `toml:"ActionCacheSize"`
	MaxBlocksPerStep uint64   `toml:"MaxBlocksPerStep"`
}

type Telemetry struct {
	Endpoint string            `toml:"Endpoint"`
	Insecure bool              `toml:"Insecure"`
	Headers  map[string]string `toml:"Headers"`
	Metrics  bool              `toml:"Metrics"`
	Traces   bool              `toml:"Traces"`
}

type Log struct {
	Environment string `toml:"Environment"`
	Level       string `toml:"Level"`
	// File enables size-based rotation into the given path.
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}
