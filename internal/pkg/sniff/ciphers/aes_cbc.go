package ciphers

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// AESCBC protects records with AES-CBC and HMAC, MAC-then-encrypt
// (TLS 1.1/1.2 with explicit per-record IV).
//
// Record layout after the header: IV (16) || encrypt(content || MAC ||
// padding || padding_length). TLS padding is padding_length bytes each
// equal to padding_length, followed by the length byte itself.
type AESCBC struct {
	block  cipher.Block
	macKey []byte
	mh     MACHash
}

// NewAESCBC builds the cipher. key must be 16 or 32 bytes; macKey must
// match the MAC hash output size.
func NewAESCBC(key, macKey []byte, mh MACHash) (*AESCBC, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, fmt.Errorf("%w: AES key must be 16 or 32 bytes, got %d", ErrKeySize, len(key))
	}
	if len(macKey) != mh.Size() {
		return nil, fmt.Errorf("%w: MAC key must be %d bytes, got %d", ErrKeySize, mh.Size(), len(macKey))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySize, err)
	}
	mk := make([]byte, len(macKey))
	copy(mk, macKey)
	return &AESCBC{block: block, macKey: mk, mh: mh}, nil
}

// Decrypt opens one record. nonce is the record's explicit IV; fragment
// is the ciphertext after the IV; aad is the 11-byte MAC pseudo-header
// (sequence number, content type, version).
func (c *AESCBC) Decrypt(fragment, nonce, aad []byte) ([]byte, error) {
	if len(nonce) != aes.BlockSize {
		return nil, fmt.Errorf("%w: want %d-byte IV, got %d", ErrIVSize, aes.BlockSize, len(nonce))
	}
	if len(fragment) == 0 || len(fragment)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d not a positive multiple of the block size", ErrCiphertext, len(fragment))
	}

	plain := make([]byte, len(fragment))
	cipher.NewCBCDecrypter(c.block, nonce).CryptBlocks(plain, fragment)

	content, ok := stripTLSPadding(plain)
	if !ok {
		return nil, ErrPadding
	}
	if len(content) < c.mh.Size() {
		return nil, fmt.Errorf("%w: too short for the record MAC", ErrCiphertext)
	}
	macStart := len(content) - c.mh.Size()
	recordMAC := content[macStart:]
	content = content[:macStart]

	if subtle.ConstantTimeCompare(recordMAC, c.computeMAC(aad, content)) != 1 {
		return nil, fmt.Errorf("%w: record MAC mismatch", ErrAuthFailed)
	}
	return content, nil
}

// Encrypt builds one record fragment (without the explicit IV).
func (c *AESCBC) Encrypt(plaintext, nonce, aad []byte) ([]byte, error) {
	if len(nonce) != aes.BlockSize {
		return nil, fmt.Errorf("%w: want %d-byte IV, got %d", ErrIVSize, aes.BlockSize, len(nonce))
	}
	mac := c.computeMAC(aad, plaintext)

	unpadded := len(plaintext) + len(mac)
	padLen := aes.BlockSize - (unpadded+1)%aes.BlockSize
	padded := make([]byte, unpadded+padLen+1)
	copy(padded, plaintext)
	copy(padded[len(plaintext):], mac)
	for i := unpadded; i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, nonce).CryptBlocks(out, padded)
	return out, nil
}

// computeMAC computes HMAC(pseudo-header || length || content). aad is
// seq_num (8) || type (1) || version (2); the length field is appended
// here because it depends on the recovered content.
func (c *AESCBC) computeMAC(aad, content []byte) []byte {
	mac := hmac.New(c.mh.New(), c.macKey)
	mac.Write(aad)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(content)))
	mac.Write(l[:])
	mac.Write(content)
	return mac.Sum(nil)
}

// stripTLSPadding removes RFC 5246 CBC padding: the final byte gives the
// count of padding bytes before it, each of which must equal that count.
func stripTLSPadding(plain []byte) ([]byte, bool) {
	if len(plain) == 0 {
		return nil, false
	}
	padLen := int(plain[len(plain)-1])
	if padLen+1 > len(plain) {
		return nil, false
	}
	var bad byte
	for _, b := range plain[len(plain)-1-padLen : len(plain)-1] {
		bad |= b ^ byte(padLen)
	}
	if bad != 0 {
		return nil, false
	}
	return plain[:len(plain)-1-padLen], true
}

func (c *AESCBC) Overhead() int  { return c.mh.Size() }
func (c *AESCBC) NonceSize() int { return aes.BlockSize }
func (c *AESCBC) IsAEAD() bool   { return false }
