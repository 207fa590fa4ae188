package ciphers

import (
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChaCha20Poly1305 protects records with ChaCha20-Poly1305. TLS 1.2
// (RFC 7905) and TLS 1.3 use the same construction: the caller XORs the
// 12-byte write IV with the padded sequence number to build the nonce.
type ChaCha20Poly1305 struct {
	aead cipher.AEAD
}

// NewChaCha20Poly1305 builds the cipher. key must be 32 bytes.
func NewChaCha20Poly1305(key []byte) (*ChaCha20Poly1305, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrKeySize, chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySize, err)
	}
	return &ChaCha20Poly1305{aead: aead}, nil
}

func (c *ChaCha20Poly1305) Decrypt(fragment, nonce, aad []byte) ([]byte, error) {
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: want %d-byte nonce, got %d", ErrIVSize, chacha20poly1305.NonceSize, len(nonce))
	}
	if len(fragment) < c.aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes, need at least the %d-byte tag", ErrCiphertext, len(fragment), c.aead.Overhead())
	}
	plain, err := c.aead.Open(nil, nonce, fragment, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return plain, nil
}

func (c *ChaCha20Poly1305) Encrypt(plaintext, nonce, aad []byte) ([]byte, error) {
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: want %d-byte nonce, got %d", ErrIVSize, chacha20poly1305.NonceSize, len(nonce))
	}
	return c.aead.Seal(nil, nonce, plaintext, aad), nil
}

func (c *ChaCha20Poly1305) Overhead() int  { return c.aead.Overhead() }
func (c *ChaCha20Poly1305) NonceSize() int { return chacha20poly1305.NonceSize }
func (c *ChaCha20Poly1305) IsAEAD() bool   { return true }
