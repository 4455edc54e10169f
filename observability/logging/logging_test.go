package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func restoreDefault(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestSetupEmitsStructuredJSON(t *testing.T) {
	restoreDefault(t)
	var buf bytes.Buffer
	logger := setup(&buf, "obsyncd", "test", slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("Peer connected", Peer("address", "10.0.0.7:7100"), slog.String("component", "p2p"), slog.String("passphrase", "hunter2"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"service":    "obsyncd",
		"env":        "test",
		"severity":   "INFO",
		"message":    "Peer connected",
		"address":    Peer("address", "10.0.0.7:7100").Value.String(),
		"component":  "p2p",
		"passphrase": Redacted,
	}
	for key, value := range want {
		if entry[key] != value {
			t.Fatalf("%s = %v, want %q", key, entry[key], value)
		}
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", entry)
	}
}

func TestPeerFingerprint(t *testing.T) {
	a := Peer("address", "10.0.0.7:7100").Value.String()
	if strings.Contains(a, "10.0.0.7") || !strings.HasSuffix(a, ":7100") || !strings.HasPrefix(a, "peer-") {
		t.Fatalf("address not masked: %q", a)
	}
	if b := Peer("address", "10.0.0.7:7200").Value.String(); b[:strings.LastIndex(b, ":")] != a[:strings.LastIndex(a, ":")] {
		t.Fatalf("same host, different fingerprints: %q %q", a, b)
	}
	if c := Peer("address", "10.0.0.8:7100").Value.String(); c == a {
		t.Fatalf("different hosts share a fingerprint: %q", c)
	}
	if bare := Peer("address", "seed.example.org").Value.String(); strings.Contains(bare, "example") {
		t.Fatalf("host without port not masked: %q", bare)
	}
}

func TestKeyShortensMaterial(t *testing.T) {
	key := make([]byte, 48)
	for i := range key {
		key[i] = byte(i)
	}
	if got := Key("bls_key", key).Value.String(); got != "0x00010203..2c2d2e2f" {
		t.Fatalf("Key = %q", got)
	}
	if got := Key("bls_key", []byte{0xab}).Value.String(); got != "0xab" {
		t.Fatalf("Key = %q", got)
	}
	if !IsSecret(" BLS_SEED ") || IsSecret("bls_key") {
		t.Fatalf("unexpected secret classification")
	}
}

func TestSetupWritesRotatedFile(t *testing.T) {
	restoreDefault(t)
	path := filepath.Join(t.TempDir(), "obsyncd.log")
	logger := Setup("obsyncd", "", Options{File: path, MaxSizeMB: 1, MaxBackups: 1, Level: "debug"})
	logger.Debug("Written to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte("Written to file")) {
		t.Fatalf("log file missing entry: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
