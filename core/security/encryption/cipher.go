// Package encryption seals transaction log payloads at rest.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrCorrupt is returned by Open when a payload fails authentication.
var ErrCorrupt = errors.New("sealed payload failed authentication")

// Cipher provides AES-GCM authenticated encryption. The nonce is prepended
// to every sealed payload.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a cipher from a 16, 24 or 32 byte key, selecting
// AES-128, AES-192 or AES-256.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// NewCipherFromHex decodes a hex encoded key, as found in configuration files.
func NewCipherFromHex(s string) (*Cipher, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	return NewCipher(key)
}

// Seal encrypts plaintext. additional is authenticated but not encrypted;
// the log passes the entry's LSN so a sealed record cannot be replayed at
// another position.
func (c *Cipher) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize(), c.gcm.NonceSize()+len(plaintext)+c.gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, additional), nil
}

// Open reverses Seal. additional must match what was passed to Seal.
func (c *Cipher) Open(sealed, additional []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(sealed) < nonceSize+c.gcm.Overhead() {
		return nil, fmt.Errorf("%w: payload is too short", ErrCorrupt)
	}
	nonce, body := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, body, additional)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plaintext, nil
}
