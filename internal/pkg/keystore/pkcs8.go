package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"
)

// PKCS#8 EncryptedPrivateKeyInfo with PBES2/PBKDF2, the form OpenSSL
// emits for `openssl pkcs8 -topk8`. The standard library parses only the
// unencrypted inner structure, so the envelope is handled here.

var (
	oidPBES2      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 13}
	oidPBKDF2     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 12}
	oidHMACSHA1   = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 7}
	oidHMACSHA224 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 8}
	oidHMACSHA256 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}
	oidHMACSHA384 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 10}
	oidHMACSHA512 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 11}
	oidAES128CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	oidAES192CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 22}
	oidAES256CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
	oidDESEDE3CBC = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type encryptedPrivateKeyInfo struct {
	Algo          algorithmIdentifier
	EncryptedData []byte
}

type pbes2Params struct {
	KeyDerivationFunc algorithmIdentifier
	EncryptionScheme  algorithmIdentifier
}

type pbkdf2Params struct {
	Salt           []byte
	IterationCount int
	KeyLength      int                 `asn1:"optional"`
	PRF            algorithmIdentifier `asn1:"optional"`
}

// isEncryptedPKCS8 reports whether der looks like a PBES2
// EncryptedPrivateKeyInfo envelope.
func isEncryptedPKCS8(der []byte) bool {
	var info encryptedPrivateKeyInfo
	if rest, err := asn1.Unmarshal(der, &info); err != nil || len(rest) > 0 {
		return false
	}
	return info.Algo.Algorithm.Equal(oidPBES2)
}

// decryptPKCS8 decrypts a PBES2 EncryptedPrivateKeyInfo and returns the
// inner PKCS#8 DER. The caller wipes the returned buffer after parsing.
func decryptPKCS8(der []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: key is password protected", ErrBadPassword)
	}

	var info encryptedPrivateKeyInfo
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return nil, fmt.Errorf("%w: bad encrypted envelope: %v", ErrBadKey, err)
	}
	if !info.Algo.Algorithm.Equal(oidPBES2) {
		return nil, fmt.Errorf("%w: unsupported protection scheme %v", ErrBadKey, info.Algo.Algorithm)
	}

	var params pbes2Params
	if _, err := asn1.Unmarshal(info.Algo.Parameters.FullBytes, &params); err != nil {
		return nil, fmt.Errorf("%w: bad PBES2 parameters: %v", ErrBadKey, err)
	}
	if !params.KeyDerivationFunc.Algorithm.Equal(oidPBKDF2) {
		return nil, fmt.Errorf("%w: unsupported KDF %v", ErrBadKey, params.KeyDerivationFunc.Algorithm)
	}

	var kdf pbkdf2Params
	if _, err := asn1.Unmarshal(params.KeyDerivationFunc.Parameters.FullBytes, &kdf); err != nil {
		return nil, fmt.Errorf("%w: bad PBKDF2 parameters: %v", ErrBadKey, err)
	}

	prf := sha1.New
	if len(kdf.PRF.Algorithm) > 0 {
		var ok bool
		prf, ok = prfByOID(kdf.PRF.Algorithm)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported PBKDF2 PRF %v", ErrBadKey, kdf.PRF.Algorithm)
		}
	}

	keyLen, blockSize, newCipher, err := cipherByOID(params.EncryptionScheme.Algorithm)
	if err != nil {
		return nil, err
	}
	if kdf.KeyLength > 0 {
		keyLen = kdf.KeyLength
	}

	var iv []byte
	if _, err := asn1.Unmarshal(params.EncryptionScheme.Parameters.FullBytes, &iv); err != nil {
		return nil, fmt.Errorf("%w: bad cipher IV: %v", ErrBadKey, err)
	}
	if len(iv) != blockSize {
		return nil, fmt.Errorf("%w: IV length %d, want %d", ErrBadKey, len(iv), blockSize)
	}
	if len(info.EncryptedData) == 0 || len(info.EncryptedData)%blockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned", ErrBadKey)
	}

	key := pbkdf2.Key([]byte(password), kdf.Salt, kdf.IterationCount, keyLen, prf)
	defer wipe(key)

	block, err := newCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	plain := make([]byte, len(info.EncryptedData))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, info.EncryptedData)

	unpadded, ok := stripPKCS7(plain, blockSize)
	if !ok {
		wipe(plain)
		return nil, fmt.Errorf("%w: bad padding after decrypt", ErrBadPassword)
	}
	return unpadded, nil
}

func prfByOID(oid asn1.ObjectIdentifier) (func() hash.Hash, bool) {
	switch {
	case oid.Equal(oidHMACSHA1):
		return sha1.New, true
	case oid.Equal(oidHMACSHA224):
		return sha256.New224, true
	case oid.Equal(oidHMACSHA256):
		return sha256.New, true
	case oid.Equal(oidHMACSHA384):
		return sha512.New384, true
	case oid.Equal(oidHMACSHA512):
		return sha512.New, true
	}
	return nil, false
}

func cipherByOID(oid asn1.ObjectIdentifier) (keyLen, blockSize int, newCipher func([]byte) (cipher.Block, error), err error) {
	switch {
	case oid.Equal(oidAES128CBC):
		return 16, aes.BlockSize, aes.NewCipher, nil
	case oid.Equal(oidAES192CBC):
		return 24, aes.BlockSize, aes.NewCipher, nil
	case oid.Equal(oidAES256CBC):
		return 32, aes.BlockSize, aes.NewCipher, nil
	case oid.Equal(oidDESEDE3CBC):
		return 24, des.BlockSize, des.NewTripleDESCipher, nil
	}
	return 0, 0, nil, fmt.Errorf("%w: unsupported cipher %v", ErrBadKey, oid)
}

func stripPKCS7(b []byte, blockSize int) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, false
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
