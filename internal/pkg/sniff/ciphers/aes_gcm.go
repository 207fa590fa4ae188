package ciphers

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// AESGCM protects records with AES-GCM. The same type serves TLS 1.2
// (4-byte implicit IV, 8-byte explicit nonce carried in each record) and
// TLS 1.3 (12-byte write IV, nonce computed by the caller from the
// sequence number).
type AESGCM struct {
	aead    cipher.AEAD
	fixedIV []byte
	tls13   bool
}

// NewAESGCM builds the TLS 1.2 form. iv is the 4-byte implicit IV from
// the key block.
func NewAESGCM(key, iv []byte) (*AESGCM, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, fmt.Errorf("%w: AES key must be 16 or 32 bytes, got %d", ErrKeySize, len(key))
	}
	if len(iv) != 4 {
		return nil, fmt.Errorf("%w: implicit IV must be 4 bytes, got %d", ErrIVSize, len(iv))
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	fixed := make([]byte, 4)
	copy(fixed, iv)
	return &AESGCM{aead: aead, fixedIV: fixed}, nil
}

// NewAESGCMTLS13 builds the TLS 1.3 form. iv is the 12-byte write IV.
func NewAESGCMTLS13(key, iv []byte) (*AESGCM, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, fmt.Errorf("%w: AES key must be 16 or 32 bytes, got %d", ErrKeySize, len(key))
	}
	if len(iv) != 12 {
		return nil, fmt.Errorf("%w: write IV must be 12 bytes, got %d", ErrIVSize, len(iv))
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &AESGCM{aead: aead, tls13: true}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySize, err)
	}
	return cipher.NewGCM(block)
}

func (g *AESGCM) fullNonce(nonce []byte) ([]byte, error) {
	if g.tls13 {
		if len(nonce) != 12 {
			return nil, fmt.Errorf("%w: want 12-byte nonce, got %d", ErrIVSize, len(nonce))
		}
		return nonce, nil
	}
	if len(nonce) != 8 {
		return nil, fmt.Errorf("%w: want 8-byte explicit nonce, got %d", ErrIVSize, len(nonce))
	}
	full := make([]byte, 12)
	copy(full[:4], g.fixedIV)
	copy(full[4:], nonce)
	return full, nil
}

func (g *AESGCM) Decrypt(fragment, nonce, aad []byte) ([]byte, error) {
	full, err := g.fullNonce(nonce)
	if err != nil {
		return nil, err
	}
	if len(fragment) < g.aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes, need at least the %d-byte tag", ErrCiphertext, len(fragment), g.aead.Overhead())
	}
	plain, err := g.aead.Open(nil, full, fragment, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return plain, nil
}

func (g *AESGCM) Encrypt(plaintext, nonce, aad []byte) ([]byte, error) {
	full, err := g.fullNonce(nonce)
	if err != nil {
		return nil, err
	}
	return g.aead.Seal(nil, full, plaintext, aad), nil
}

func (g *AESGCM) Overhead() int { return g.aead.Overhead() }

func (g *AESGCM) NonceSize() int {
	if g.tls13 {
		return 12
	}
	return 8
}

func (g *AESGCM) IsAEAD() bool { return true }
