package keystore

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// ParsePrivateKey parses PEM or DER private key material, decrypting
// password-protected forms first. Supported keys: RSA (PKCS#1/PKCS#8),
// EC (SEC1/PKCS#8), Ed25519 and X25519 (PKCS#8). Supported protection:
// RFC 1423 encrypted PEM and PKCS#8 PBES2.
func ParsePrivateKey(raw []byte, format Format, password string) (crypto.PrivateKey, error) {
	switch format {
	case FormatPEM:
		return parsePEMKey(raw, password)
	case FormatDER:
		return parseDERKey(raw, password)
	default:
		return nil, fmt.Errorf("%w: unknown key format %d", ErrBadKey, int(format))
	}
}

func parsePEMKey(raw []byte, password string) (crypto.PrivateKey, error) {
	rest := raw
	var lastErr error
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if !strings.Contains(block.Type, "PRIVATE KEY") {
			continue
		}

		der := block.Bytes
		if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // RFC 1423 keys exist in the wild
			if password == "" {
				return nil, fmt.Errorf("%w: key is password protected", ErrBadPassword)
			}
			plain, err := x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck
			if err != nil {
				if errors.Is(err, x509.IncorrectPasswordError) {
					return nil, fmt.Errorf("%w: %v", ErrBadPassword, err)
				}
				return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
			}
			der = plain
		}

		key, err := parseKeyBlock(block.Type, der, password)
		if err == nil {
			return key, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no private key block found", ErrBadKey)
}

func parseKeyBlock(blockType string, der []byte, password string) (crypto.PrivateKey, error) {
	switch blockType {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
		}
		return key, nil
	case "ENCRYPTED PRIVATE KEY":
		plain, err := decryptPKCS8(der, password)
		if err != nil {
			return nil, err
		}
		defer wipe(plain)
		key, err := x509.ParsePKCS8PrivateKey(plain)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
		}
		return key, nil
	default:
		return parseDERKey(der, password)
	}
}

func parseDERKey(der []byte, password string) (crypto.PrivateKey, error) {
	if isEncryptedPKCS8(der) {
		plain, err := decryptPKCS8(der, password)
		if err != nil {
			return nil, err
		}
		defer wipe(plain)
		key, err := x509.ParsePKCS8PrivateKey(plain)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
		}
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: not PKCS#8, PKCS#1, or SEC1 DER", ErrBadKey)
}

// wipe zeroes a buffer holding sensitive intermediate material.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
