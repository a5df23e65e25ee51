// Package signature signs outbound webhook bodies with HMAC-SHA256 so
// receivers can authenticate the sender.
package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// Header carries the signature on outbound requests.
	Header = "X-Webhook-Signature"
	// Prefix identifies the algorithm in the header value.
	Prefix = "sha256="

	secretPrefix = "whsec_"
	secretBytes  = 32
)

// GenerateSecret returns a fresh random signing secret.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(b), nil
}

// Sign returns "sha256=<hex hmac>" over payload. An empty secret yields an
// empty string: callers must omit the header instead of signing with no key.
func Sign(secret, payload []byte) string {
	if len(secret) == 0 {
		return ""
	}
	return Prefix + hex.EncodeToString(compute(secret, payload))
}

// Verify recomputes the signature and compares it in constant time. The
// header may be given with or without the "sha256=" prefix.
func Verify(secret, payload []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	header = strings.TrimPrefix(strings.TrimSpace(header), Prefix)
	got, err := hex.DecodeString(header)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return subtle.ConstantTimeCompare(got, compute(secret, payload)) == 1
}

func compute(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}
