// Package credential encrypts provider API keys before they are written to
// the local store. Values are sealed with AES-256-GCM under a key derived
// either from a passphrase (SPECDESK_SECRET_KEY) or from machine identifiers,
// and each ciphertext is bound to the configuration key it was stored under.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

const (
	// SealedPrefix marks a stored value as a sealed credential.
	SealedPrefix = "sealed:v1:"

	// PassphraseEnv overrides the machine-derived key when set.
	PassphraseEnv = "SPECDESK_SECRET_KEY"

	salt = "specdesk-credential-manager-v1"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidFormat    = errors.New("invalid sealed credential")
)

// Manager seals and opens API keys.
type Manager struct {
	aead cipher.AEAD
}

// NewManager creates a credential manager. If SPECDESK_SECRET_KEY is set the
// key comes from that passphrase, so secrets survive a move to another host;
// otherwise it is derived from machine identifiers.
func NewManager() (*Manager, error) {
	if pass := os.Getenv(PassphraseEnv); pass != "" {
		return NewManagerWithPassphrase(pass)
	}
	return newManager(machineKey())
}

// NewManagerWithPassphrase derives the key from passphrase alone.
func NewManagerWithPassphrase(passphrase string) (*Manager, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	return newManager(deriveKey(passphrase))
}

func newManager(key []byte) (*Manager, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Manager{aead: aead}, nil
}

// Seal encrypts value for storage under name. An empty value stays empty so
// unsetting a key needs no special case.
func (m *Manager) Seal(name, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, []byte(value), []byte(name))
	return SealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal for the same name. A ciphertext
// copied to another key fails with ErrDecryptionFailed.
func (m *Manager) Open(name, stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	encoded, ok := strings.CutPrefix(stored, SealedPrefix)
	if !ok {
		return "", fmt.Errorf("%w: missing %q prefix", ErrInvalidFormat, SealedPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	n := m.aead.NonceSize()
	if len(raw) < n+m.aead.Overhead() {
		return "", fmt.Errorf("%w: %d bytes is too short", ErrInvalidFormat, len(raw))
	}
	plain, err := m.aead.Open(nil, raw[:n], raw[n:], []byte(name))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

func deriveKey(material string) []byte {
	sum := sha256.Sum256([]byte(salt + ":" + material))
	return sum[:]
}

// machineKey hashes identifiers that are stable for one user on one host.
func machineKey() []byte {
	hostname, _ := os.Hostname()
	home, _ := os.UserHomeDir()
	parts := []string{hostname, home, runtime.GOOS, runtime.GOARCH, os.Getenv("USER")}
	if uid := os.Getuid(); uid != -1 {
		parts = append(parts, "uid:"+strconv.Itoa(uid))
	}
	return deriveKey(strings.Join(parts, "\x00"))
}

// MaskSecret keeps the first and last four characters of a secret for
// display, or hides it entirely when it is too short for that to be safe.
func MaskSecret(secret string) string {
	r := []rune(secret)
	if len(r) <= 8 {
		return "****"
	}
	return string(r[:4]) + "..." + string(r[len(r)-4:])
}

// Resolve returns the API key for a provider. The environment variable wins;
// otherwise lookup is consulted (typically the encrypted store). A missing key
// yields "" with no error.
func Resolve(envName string, lookup func() (string, error)) (string, error) {
	if envName != "" {
		if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
			return v, nil
		}
	}
	if lookup == nil {
		return "", nil
	}
	v, err := lookup()
	if err != nil {
		return "", fmt.Errorf("read stored credential: %w", err)
	}
	return v, nil
}
