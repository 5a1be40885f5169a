// Package sealing encrypts secrets embedded in dispatch payloads with
// NaCl secretbox. Sealed values are base64 strings of nonce || box.
package sealing

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ahrav/execution-service/internal/domain/execution"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("sealed value failed authentication")

var _ execution.Sealer = (*SecretBox)(nil)

// SecretBox seals with a single symmetric key.
type SecretBox struct {
	key [keySize]byte
}

// NewSecretBox decodes a base64 32-byte key.
func NewSecretBox(encodedKey string) (*SecretBox, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode sealing key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", keySize, len(raw))
	}
	s := &SecretBox{}
	copy(s.key[:], raw)
	return s, nil
}

// Seal encrypts plaintext under a random nonce.
func (s *SecretBox) Seal(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (s *SecretBox) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed value: %w", err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}

// GenerateKey returns a new base64 key for configuration.
func GenerateKey() (string, error) {
	var k [keySize]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(k[:]), nil
}
