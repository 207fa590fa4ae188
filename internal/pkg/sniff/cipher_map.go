package sniff

import (
	"github.com/cconlon/tlstap/internal/pkg/sniff/ciphers"
)

// newSuiteCipher builds the record cipher for one direction of a suite.
// iv is the key-block IV share (TLS 1.2) or the HKDF write IV (TLS 1.3);
// macKey is set only for CBC suites.
func newSuiteCipher(suite *CipherSuiteInfo, key, iv, macKey []byte) (ciphers.Cipher, error) {
	switch suite.ID {
	case 0xcca8, 0xcca9, 0x1303:
		c, err := ciphers.NewChaCha20Poly1305(key)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	if suite.IsAEAD {
		if suite.IsTLS13 {
			c, err := ciphers.NewAESGCMTLS13(key, iv)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
		c, err := ciphers.NewAESGCM(key, iv)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	c, err := ciphers.NewAESCBC(key, macKey, macHashForLen(suite.MACLen))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func macHashForLen(macLen int) ciphers.MACHash {
	switch macLen {
	case 48:
		return ciphers.SHA384
	case 32:
		return ciphers.SHA256
	default:
		return ciphers.SHA1
	}
}
