package ciphers

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// aad12 builds a TLS 1.2 style additional-data block for the tests.
func aad12(seq uint64, contentType uint8, plainLen int) []byte {
	ad := make([]byte, 13)
	binary.BigEndian.PutUint64(ad[:8], seq)
	ad[8] = contentType
	ad[9], ad[10] = 0x03, 0x03
	binary.BigEndian.PutUint16(ad[11:13], uint16(plainLen))
	return ad
}

func TestAESGCM_RoundTrip(t *testing.T) {
	key := randBytes(t, 16)
	iv := randBytes(t, 4)
	g, err := NewAESGCM(key, iv)
	require.NoError(t, err)

	plaintext := []byte("application data over the wire")
	nonce := randBytes(t, 8)
	aad := aad12(1, 23, len(plaintext))

	ct, err := g.Encrypt(plaintext, nonce, aad)
	require.NoError(t, err)
	assert.Equal(t, len(plaintext)+g.Overhead(), len(ct))

	pt, err := g.Decrypt(ct, nonce, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestAESGCM_TamperedTag(t *testing.T) {
	g, err := NewAESGCM(randBytes(t, 32), randBytes(t, 4))
	require.NoError(t, err)

	nonce := randBytes(t, 8)
	aad := aad12(7, 23, 5)
	ct, err := g.Encrypt([]byte("hello"), nonce, aad)
	require.NoError(t, err)

	ct[len(ct)-1] ^= 0x01
	_, err = g.Decrypt(ct, nonce, aad)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestAESGCM_WrongAAD(t *testing.T) {
	g, err := NewAESGCM(randBytes(t, 16), randBytes(t, 4))
	require.NoError(t, err)

	nonce := randBytes(t, 8)
	ct, err := g.Encrypt([]byte("hello"), nonce, aad12(0, 23, 5))
	require.NoError(t, err)

	// A different sequence number must not verify.
	_, err = g.Decrypt(ct, nonce, aad12(1, 23, 5))
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestAESGCM_BadSizes(t *testing.T) {
	_, err := NewAESGCM(randBytes(t, 15), randBytes(t, 4))
	assert.ErrorIs(t, err, ErrKeySize)

	_, err = NewAESGCM(randBytes(t, 16), randBytes(t, 12))
	assert.ErrorIs(t, err, ErrIVSize)

	g, err := NewAESGCM(randBytes(t, 16), randBytes(t, 4))
	require.NoError(t, err)
	_, err = g.Decrypt([]byte("short"), randBytes(t, 8), nil)
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestAESGCMTLS13_RoundTrip(t *testing.T) {
	g, err := NewAESGCMTLS13(randBytes(t, 16), randBytes(t, 12))
	require.NoError(t, err)
	assert.Equal(t, 12, g.NonceSize())

	nonce := randBytes(t, 12)
	aad := []byte{23, 3, 3, 0, 40}
	ct, err := g.Encrypt([]byte("inner plaintext"), nonce, aad)
	require.NoError(t, err)
	pt, err := g.Decrypt(ct, nonce, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("inner plaintext"), pt)
}

func TestChaCha20Poly1305_RoundTrip(t *testing.T) {
	c, err := NewChaCha20Poly1305(randBytes(t, 32))
	require.NoError(t, err)
	assert.True(t, c.IsAEAD())
	assert.Equal(t, 12, c.NonceSize())

	nonce := randBytes(t, 12)
	aad := aad12(3, 23, 9)
	ct, err := c.Encrypt([]byte("chachacha"), nonce, aad)
	require.NoError(t, err)
	pt, err := c.Decrypt(ct, nonce, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("chachacha"), pt)

	ct[0] ^= 0x80
	_, err = c.Decrypt(ct, nonce, aad)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestChaCha20Poly1305_KeySize(t *testing.T) {
	_, err := NewChaCha20Poly1305(randBytes(t, 16))
	assert.ErrorIs(t, err, ErrKeySize)
}

func TestAESCBC_RoundTrip(t *testing.T) {
	key := randBytes(t, 16)
	macKey := randBytes(t, 20)
	c, err := NewAESCBC(key, macKey, SHA1)
	require.NoError(t, err)
	assert.False(t, c.IsAEAD())

	iv := randBytes(t, 16)
	aad := aad12(12, 23, 0)[:11]

	for _, n := range []int{0, 1, 15, 16, 17, 100} {
		plaintext := randBytes(t, n)
		ct, err := c.Encrypt(plaintext, iv, aad)
		require.NoError(t, err)
		require.Zero(t, len(ct)%16)

		pt, err := c.Decrypt(ct, iv, aad)
		require.NoError(t, err)
		if n == 0 {
			assert.Empty(t, pt)
		} else {
			assert.True(t, bytes.Equal(plaintext, pt), "length %d", n)
		}
	}
}

func TestAESCBC_MACDetectsTamper(t *testing.T) {
	c, err := NewAESCBC(randBytes(t, 32), randBytes(t, 32), SHA256)
	require.NoError(t, err)

	iv := randBytes(t, 16)
	aad := aad12(0, 23, 0)[:11]
	ct, err := c.Encrypt([]byte("cbc record content"), iv, aad)
	require.NoError(t, err)

	// Flipping a bit in the first block garbles the plaintext; the MAC
	// must catch it.
	ct[0] ^= 0x01
	_, err = c.Decrypt(ct, iv, aad)
	assert.Error(t, err)
}

func TestAESCBC_WrongSequence(t *testing.T) {
	c, err := NewAESCBC(randBytes(t, 16), randBytes(t, 20), SHA1)
	require.NoError(t, err)

	iv := randBytes(t, 16)
	ct, err := c.Encrypt([]byte("payload"), iv, aad12(5, 23, 0)[:11])
	require.NoError(t, err)
	_, err = c.Decrypt(ct, iv, aad12(6, 23, 0)[:11])
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestAESCBC_BadLengths(t *testing.T) {
	c, err := NewAESCBC(randBytes(t, 16), randBytes(t, 20), SHA1)
	require.NoError(t, err)

	_, err = c.Decrypt(randBytes(t, 15), randBytes(t, 16), nil)
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = c.Decrypt(randBytes(t, 16), randBytes(t, 8), nil)
	assert.ErrorIs(t, err, ErrIVSize)
}

func TestStripTLSPadding(t *testing.T) {
	// content | pad pad pad | padLen: 3 bytes of 0x03 then the length.
	padded := append([]byte("data"), 0x03, 0x03, 0x03, 0x03)
	content, ok := stripTLSPadding(padded)
	require.True(t, ok)
	assert.Equal(t, []byte("data"), content)

	// Zero padding length still strips the length byte itself.
	content, ok = stripTLSPadding(append([]byte("data"), 0x00))
	require.True(t, ok)
	assert.Equal(t, []byte("data"), content)

	// Inconsistent filler bytes.
	_, ok = stripTLSPadding(append([]byte("data"), 0x02, 0x03, 0x03))
	assert.False(t, ok)

	// Padding longer than the record.
	_, ok = stripTLSPadding([]byte{0xff})
	assert.False(t, ok)
}
