// Package auth implements consumer credential generation and verification.
//
// A consumer token is "<key_id>.<secret>". The server stores only the key_id
// plus a PBKDF2-HMAC-SHA256 salt/digest pair over the full token; the secret
// is shown once at creation and never persisted.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is deliberately slow; do not lower it.
	PBKDF2Iterations = 210000

	saltLen   = 16
	digestLen = 32

	keyIDBytes  = 10
	secretBytes = 32
)

// KeyHash is the stored credential material for a consumer token.
type KeyHash struct {
	SaltB64   string
	DigestB64 string
}

// NewKeyID returns a fresh public key id of the form "kid_<urlsafe>".
func NewKeyID() (string, error) {
	b, err := randBytes(keyIDBytes)
	if err != nil {
		return "", err
	}
	return "kid_" + b64(b), nil
}

// NewSecret returns a fresh opaque secret of the form "db_<urlsafe>".
func NewSecret() (string, error) {
	b, err := randBytes(secretBytes)
	if err != nil {
		return "", err
	}
	return "db_" + b64(b), nil
}

// NewToken returns (keyID, fullToken). The full token is keyID + "." + secret.
func NewToken() (string, string, error) {
	kid, err := NewKeyID()
	if err != nil {
		return "", "", err
	}
	secret, err := NewSecret()
	if err != nil {
		return "", "", err
	}
	return kid, kid + "." + secret, nil
}

// KeyIDOf extracts the public key_id prefix from a presented token. When the
// token carries no '.' separator the whole value is treated as the key_id.
func KeyIDOf(token string) string {
	if i := strings.IndexByte(token, '.'); i >= 0 {
		return token[:i]
	}
	return token
}

// HashToken derives storable credential material from a full token.
func HashToken(token string) (KeyHash, error) {
	salt, err := randBytes(saltLen)
	if err != nil {
		return KeyHash{}, err
	}
	digest := pbkdf2.Key([]byte(token), salt, PBKDF2Iterations, digestLen, sha256.New)
	return KeyHash{SaltB64: b64(salt), DigestB64: b64(digest)}, nil
}

// VerifyToken recomputes the digest for the presented token and compares it
// against the stored material in constant time.
func VerifyToken(token string, kh KeyHash) bool {
	salt, err := b64d(kh.SaltB64)
	if err != nil {
		return false
	}
	expected, err := b64d(kh.DigestB64)
	if err != nil {
		return false
	}
	actual := pbkdf2.Key([]byte(token), salt, PBKDF2Iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// Redact masks the secret body of a token for log output, keeping the key_id
// prefix so records stay correlatable.
func Redact(token string) string {
	s := strings.TrimSpace(token)
	if s == "" {
		return ""
	}
	if kid, rest, ok := strings.Cut(s, "."); ok {
		if len(rest) <= 8 {
			return kid + "." + strings.Repeat("*", len(rest))
		}
		return kid + "." + rest[:4] + "..." + rest[len(rest)-4:]
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("op=auth.rand: %w", err)
	}
	return b, nil
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func b64d(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
