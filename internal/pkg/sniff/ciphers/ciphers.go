// Package ciphers implements TLS record protection for the decryption
// engine: AES-GCM and ChaCha20-Poly1305 AEADs (TLS 1.2 and 1.3 nonce
// conventions) and AES-CBC with HMAC (MAC-then-encrypt). The engine
// constructs one Cipher per session direction and drives it record by
// record; nonce and additional-data construction stay with the caller,
// which owns the sequence numbers.
package ciphers

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"
)

var (
	// ErrAuthFailed means the AEAD tag or record MAC did not verify.
	ErrAuthFailed = errors.New("ciphers: authentication failed")
	// ErrKeySize means the key length does not fit the cipher.
	ErrKeySize = errors.New("ciphers: invalid key size")
	// ErrIVSize means the IV or nonce length does not fit the cipher.
	ErrIVSize = errors.New("ciphers: invalid IV size")
	// ErrCiphertext means the ciphertext is too short or misaligned.
	ErrCiphertext = errors.New("ciphers: invalid ciphertext")
	// ErrPadding means CBC padding did not validate.
	ErrPadding = errors.New("ciphers: invalid padding")
)

// Cipher protects one direction of one session.
type Cipher interface {
	// Decrypt opens one record fragment. For AEADs the nonce is the full
	// per-record nonce and the fragment includes the tag; for CBC the
	// nonce is the record's explicit IV and the fragment includes MAC
	// and padding. aad carries the additional data (AEAD) or the MAC
	// pseudo-header (CBC).
	Decrypt(fragment, nonce, aad []byte) ([]byte, error)

	// Encrypt is the inverse of Decrypt with the same parameter
	// conventions. The engine never encrypts; tests and fixture
	// generation do.
	Encrypt(plaintext, nonce, aad []byte) ([]byte, error)

	// Overhead returns the per-record expansion: tag size for AEADs,
	// MAC size for CBC.
	Overhead() int

	// NonceSize returns the nonce (or explicit IV) length Decrypt
	// expects.
	NonceSize() int

	// IsAEAD reports whether the cipher authenticates with a tag.
	IsAEAD() bool
}

// MACHash selects the HMAC hash for CBC suites.
type MACHash int

const (
	SHA1 MACHash = iota + 1
	SHA256
	SHA384
)

func (m MACHash) New() func() hash.Hash {
	switch m {
	case SHA384:
		return sha512.New384
	case SHA256:
		return sha256.New
	default:
		return sha1.New
	}
}

func (m MACHash) Size() int {
	switch m {
	case SHA384:
		return 48
	case SHA256:
		return 32
	default:
		return 20
	}
}
