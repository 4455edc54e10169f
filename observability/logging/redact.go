package logging

import (
	"encoding/hex"
	"log/slog"
	"net"
	"strings"

	"lukechampine.com/blake3"
)

// Redacted replaces secret attribute values.
const Redacted = "[REDACTED]"

// secretKeys are attribute keys whose values never reach the log stream.
var secretKeys = map[string]struct{}{
	"passphrase":    {},
	"bls_seed":      {},
	"private_key":   {},
	"keystore":      {},
	"jwt":           {},
	"authorization": {},
	"token":         {},
}

// IsSecret reports whether values logged under key are replaced by Redacted.
func IsSecret(key string) bool {
	_, ok := secretKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// redactSecret is applied by the handler to every attribute, so a secret
// logged by mistake is still masked.
func redactSecret(attr slog.Attr) slog.Attr {
	if IsSecret(attr.Key) && attr.Value.String() != "" {
		return slog.String(attr.Key, Redacted)
	}
	return attr
}

// Peer logs a remote endpoint by a stable fingerprint of its host, keeping
// the port. Lines about the same peer still correlate without the log
// carrying its IP address.
func Peer(key, addr string) slog.Attr {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return slog.String(key, addr)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, ""
	}
	sum := blake3.Sum256([]byte(strings.ToLower(host)))
	masked := "peer-" + hex.EncodeToString(sum[:4])
	if port != "" {
		masked = net.JoinHostPort(masked, port)
	}
	return slog.String(key, masked)
}

// Key logs public key material shortened to its first and last four bytes.
func Key(key string, material []byte) slog.Attr {
	if len(material) <= 8 {
		return slog.String(key, "0x"+hex.EncodeToString(material))
	}
	return slog.String(key, "0x"+hex.EncodeToString(material[:4])+".."+hex.EncodeToString(material[len(material)-4:]))
}
