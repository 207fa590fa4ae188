package sniff

import (
	"bytes"
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"math/big"

	"github.com/cconlon/tlstap/internal/pkg/keystore"
)

// Premaster/shared-secret resolution. Static-RSA suites decrypt the
// EncryptedPreMasterSecret with the server key resolved from the store;
// PFS suites hand the negotiated group and both public values to the
// ephemeral resolver and accept back either a private key (raw scalar or
// PKCS#8 DER) or a precomputed shared secret.

// decryptRSAPreMaster recovers the 48-byte premaster secret.
func decryptRSAPreMaster(key crypto.PrivateKey, encrypted []byte) ([]byte, error) {
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: resolved key is not RSA", ErrKeyUnavailable)
	}
	pre, err := rsa.DecryptPKCS1v15(rand.Reader, rsaKey, encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: premaster decrypt: %v", ErrKeyUnavailable, err)
	}
	if len(pre) != MasterSecretLen {
		return nil, fmt.Errorf("%w: premaster length %d", ErrProtocolViolation, len(pre))
	}
	return pre, nil
}

// ephemeralShared turns the resolver's answer into the shared secret for
// the exchange (serverPublic, clientPublic) over group.
func ephemeralShared(km keystore.EphemeralKey, group uint16, serverPublic, clientPublic []byte) ([]byte, error) {
	if len(km.Secret) > 0 {
		return km.Secret, nil
	}
	if len(km.PrivateKey) == 0 {
		return nil, fmt.Errorf("%w: resolver returned no key material", ErrKeyUnavailable)
	}
	if prime, ok := ffdhePrimes[group]; ok {
		return ffdheShared(prime, km.PrivateKey, serverPublic, clientPublic)
	}
	return ecdhShared(group, km.PrivateKey, serverPublic, clientPublic)
}

// explicitDHShared computes the secret for a classic DHE exchange using
// the prime as seen on the wire, so any explicit group works as long as
// the resolver produced a private exponent.
func explicitDHShared(km keystore.EphemeralKey, primeBytes, serverPublic, clientPublic []byte) ([]byte, error) {
	if len(km.Secret) > 0 {
		return km.Secret, nil
	}
	if len(km.PrivateKey) == 0 {
		return nil, fmt.Errorf("%w: resolver returned no key material", ErrKeyUnavailable)
	}
	prime := new(big.Int).SetBytes(primeBytes)
	if prime.BitLen() < 1024 {
		return nil, fmt.Errorf("%w: DH prime too small (%d bits)", ErrProtocolViolation, prime.BitLen())
	}
	return ffdheShared(prime, km.PrivateKey, serverPublic, clientPublic)
}

// ecdhShared computes the ECDH secret. The private key may belong to
// either peer; whichever public value it does not reproduce is the one
// it is combined with.
func ecdhShared(group uint16, privBytes, serverPublic, clientPublic []byte) ([]byte, error) {
	curve, err := curveForGroup(group)
	if err != nil {
		return nil, err
	}
	priv, err := parseECDHPrivate(curve, privBytes)
	if err != nil {
		return nil, err
	}

	own := priv.PublicKey().Bytes()
	peerBytes := clientPublic
	if bytes.Equal(own, clientPublic) {
		peerBytes = serverPublic
	}
	peer, err := curve.NewPublicKey(peerBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: peer public value: %v", ErrProtocolViolation, err)
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: ECDH: %v", ErrKeyUnavailable, err)
	}
	return secret, nil
}

// parseECDHPrivate accepts a raw scalar for the group or a PKCS#8 DER
// blob holding an EC or X25519 key.
func parseECDHPrivate(curve ecdh.Curve, privBytes []byte) (*ecdh.PrivateKey, error) {
	if priv, err := curve.NewPrivateKey(privBytes); err == nil {
		return priv, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral private key: %v", ErrKeyUnavailable, err)
	}
	switch k := parsed.(type) {
	case *ecdh.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		ek, err := k.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: ephemeral private key: %v", ErrKeyUnavailable, err)
		}
		return ek, nil
	}
	return nil, fmt.Errorf("%w: ephemeral key type %T", ErrKeyUnavailable, parsed)
}

func curveForGroup(group uint16) (ecdh.Curve, error) {
	switch group {
	case GroupX25519:
		return ecdh.X25519(), nil
	case GroupSecp256r1:
		return ecdh.P256(), nil
	case GroupSecp384r1:
		return ecdh.P384(), nil
	case GroupSecp521r1:
		return ecdh.P521(), nil
	}
	return nil, fmt.Errorf("%w: named group 0x%04x", ErrKeyUnavailable, group)
}

// RFC 7919 moduli. Explicit-prime DHE handshakes that use one of these
// are resolvable through the named-group interface; other primes need
// the resolver to return a precomputed secret.
var (
	ffdhe2048Prime = mustBigHex(
		"FFFFFFFFFFFFFFFFADF85458A2BB4A9AAFDC5620273D3CF1D8B9C583CE2D3695" +
			"A9E13641146433FBCC939DCE249B3EF97D2FE363630C75D8F681B202AEC4617A" +
			"D3DF1ED5D5FD65612433F51F5F066ED0856365553DED1AF3B557135E7F57C935" +
			"984F0C70E0E68B77E2A689DAF3EFE8721DF158A136ADE73530ACCA4F483A797A" +
			"BC0AB182B324FB61D108A94BB2C8E3FBB96ADAB760D7F4681D4F42A3DE394DF4" +
			"AE56EDE76372BB190B07A7C8EE0A6D709E02FCE1CDF7E2ECC03404CD28342F61" +
			"9172FE9CE98583FF8E4F1232EEF28183C3FE3B1B4C6FAD733BB5FCBC2EC22005" +
			"C58EF1837D1683B2C6F34A26C1B2EFFA886B423861285C97FFFFFFFFFFFFFFFF")

	ffdhe3072Prime = mustBigHex(
		"FFFFFFFFFFFFFFFFADF85458A2BB4A9AAFDC5620273D3CF1D8B9C583CE2D3695" +
			"A9E13641146433FBCC939DCE249B3EF97D2FE363630C75D8F681B202AEC4617A" +
			"D3DF1ED5D5FD65612433F51F5F066ED0856365553DED1AF3B557135E7F57C935" +
			"984F0C70E0E68B77E2A689DAF3EFE8721DF158A136ADE73530ACCA4F483A797A" +
			"BC0AB182B324FB61D108A94BB2C8E3FBB96ADAB760D7F4681D4F42A3DE394DF4" +
			"AE56EDE76372BB190B07A7C8EE0A6D709E02FCE1CDF7E2ECC03404CD28342F61" +
			"9172FE9CE98583FF8E4F1232EEF28183C3FE3B1B4C6FAD733BB5FCBC2EC22005" +
			"C58EF1837D1683B2C6F34A26C1B2EFFA886B4238611FCFDCDE355B3B6519035B" +
			"BC34F4DEF99C023861B46FC9D6E6C9077AD91D2691F7F7EE598CB0FAC186D91C" +
			"AEFE130985139270B4130C93BC437944F4FD4452E2D74DD364F2E21E71F54BFF" +
			"5CAE82AB9C9DF69EE86D2BC522363A0DABC521979B0DEADA1DBF9A42D5C4484E" +
			"0ABCD06BFA53DDEF3C1B20EE3FD59D7C25E41D2B66C62E37FFFFFFFFFFFFFFFF")

	ffdhe4096Prime = mustBigHex(
		"FFFFFFFFFFFFFFFFADF85458A2BB4A9AAFDC5620273D3CF1D8B9C583CE2D3695" +
			"A9E13641146433FBCC939DCE249B3EF97D2FE363630C75D8F681B202AEC4617A" +
			"D3DF1ED5D5FD65612433F51F5F066ED0856365553DED1AF3B557135E7F57C935" +
			"984F0C70E0E68B77E2A689DAF3EFE8721DF158A136ADE73530ACCA4F483A797A" +
			"BC0AB182B324FB61D108A94BB2C8E3FBB96ADAB760D7F4681D4F42A3DE394DF4" +
			"AE56EDE76372BB190B07A7C8EE0A6D709E02FCE1CDF7E2ECC03404CD28342F61" +
			"9172FE9CE98583FF8E4F1232EEF28183C3FE3B1B4C6FAD733BB5FCBC2EC22005" +
			"C58EF1837D1683B2C6F34A26C1B2EFFA886B4238611FCFDCDE355B3B6519035B" +
			"BC34F4DEF99C023861B46FC9D6E6C9077AD91D2691F7F7EE598CB0FAC186D91C" +
			"AEFE130985139270B4130C93BC437944F4FD4452E2D74DD364F2E21E71F54BFF" +
			"5CAE82AB9C9DF69EE86D2BC522363A0DABC521979B0DEADA1DBF9A42D5C4484E" +
			"0ABCD06BFA53DDEF3C1B20EE3FD59D7C25E41D2B669E1EF16E6F52C3164DF4FB" +
			"7930E9E4E58857B6AC7D5F42D69F6D187763CF1D5503400487F55BA57E31CC7A" +
			"7135C886EFB4318AED6A1E012D9E6832A907600A918130C46DC778F971AD0038" +
			"092999A333CB8B7A1A1DB93D7140003C2A4ECEA9F98D0ACC0A8291CDCEC97DCF" +
			"8EC9B55A7F88A46B4DB5A851F44182E1C68A007E5E655F6AFFFFFFFFFFFFFFFF")
)

var ffdhePrimes = map[uint16]*big.Int{
	GroupFFDHE2048: ffdhe2048Prime,
	GroupFFDHE3072: ffdhe3072Prime,
	GroupFFDHE4096: ffdhe4096Prime,
}

func mustBigHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("bad prime constant")
	}
	return n
}

// matchFFDHEGroup recognizes an explicit DH prime as a named group.
func matchFFDHEGroup(prime []byte) uint16 {
	p := new(big.Int).SetBytes(prime)
	for group, known := range ffdhePrimes {
		if p.Cmp(known) == 0 {
			return group
		}
	}
	return 0
}

// ffdheShared computes the finite-field DH secret, left-padded to the
// prime length as TLS 1.3 requires (TLS 1.2 strips leading zeros, which
// the caller does).
func ffdheShared(prime *big.Int, privBytes, serverPublic, clientPublic []byte) ([]byte, error) {
	priv := new(big.Int).SetBytes(privBytes)
	if priv.Sign() <= 0 {
		return nil, fmt.Errorf("%w: DH private value", ErrKeyUnavailable)
	}
	g := big.NewInt(2)
	own := new(big.Int).Exp(g, priv, prime)

	peer := new(big.Int).SetBytes(clientPublic)
	if own.Cmp(new(big.Int).SetBytes(clientPublic)) == 0 {
		peer = new(big.Int).SetBytes(serverPublic)
	}
	if peer.Sign() <= 0 || peer.Cmp(prime) >= 0 {
		return nil, fmt.Errorf("%w: DH peer public value out of range", ErrProtocolViolation)
	}
	shared := new(big.Int).Exp(peer, priv, prime)
	out := make([]byte, (prime.BitLen()+7)/8)
	shared.FillBytes(out)
	return out, nil
}

// stripLeadingZeros implements the TLS 1.2 DHE premaster convention.
func stripLeadingZeros(b []byte) []byte {
	for len(b) > 1 && b[0] == 0 {
		b = b[1:]
	}
	return b
}

// publicKeySize reports the key size in bits of a certificate's subject
// public key, for session summaries.
func publicKeySize(cert *x509.Certificate) int {
	switch k := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return k.N.BitLen()
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	}
	return 0
}
