// Package secrets holds the process-wide key material for KYC data at rest.
//
// One master secret, loaded at startup, is expanded with HKDF into independent
// sub-keys: one for AES-256-GCM field encryption, one for the blind index used
// by duplicate-document matching, and one for OTP digests. Compromise of a
// blind index or OTP digest never reveals the encryption key.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
)

const redacted = "[REDACTED]"

// Secret is a string that never prints its value through fmt or slog.
type Secret string

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalText keeps the value out of JSON/YAML dumps of config structs.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Reveal returns the raw bytes. Call sites should be limited to key setup.
func (s Secret) Reveal() []byte { return []byte(s) }

// Generate creates a cryptographically secure random master secret,
// base64-encoded, suitable for KYC_MASTER_SECRET.
func Generate() (Secret, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("could not generate secret: %w", err)
	}
	return Secret(base64.RawURLEncoding.EncodeToString(buf)), nil
}
