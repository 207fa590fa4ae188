package sniff

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"
)

// TLS 1.2 key derivation (RFC 5246 §5, RFC 7627).
//
// PRF(secret, label, seed) = P_<hash>(secret, label || seed), where
// P_hash chains HMAC blocks: A(0)=seed, A(i)=HMAC(secret, A(i-1)),
// output = HMAC(secret, A(1)||seed) || HMAC(secret, A(2)||seed) || ...

const (
	masterSecretLabel         = "master secret"
	extendedMasterSecretLabel = "extended master secret"
	keyExpansionLabel         = "key expansion"
)

// PRF12 implements the TLS 1.2 PRF with the given hash.
func PRF12(alg HashAlgorithm, secret, label, seed []byte, length int) []byte {
	labelAndSeed := make([]byte, len(label)+len(seed))
	copy(labelAndSeed, label)
	copy(labelAndSeed[len(label):], seed)
	return pHash(alg, secret, labelAndSeed, length)
}

func pHash(alg HashAlgorithm, secret, seed []byte, length int) []byte {
	out := make([]byte, 0, length)
	newHash := hashFunc(alg)

	a := seed
	for len(out) < length {
		mac := hmac.New(newHash, secret)
		mac.Write(a)
		a = mac.Sum(nil)

		mac = hmac.New(newHash, secret)
		mac.Write(a)
		mac.Write(seed)
		out = append(out, mac.Sum(nil)...)
	}
	return out[:length]
}

func hashFunc(alg HashAlgorithm) func() hash.Hash {
	switch alg {
	case HashSHA384:
		return sha512.New384
	default:
		return sha256.New
	}
}

func hashSize(alg HashAlgorithm) int {
	if alg == HashSHA384 {
		return 48
	}
	return 32
}

// MasterSecret12 derives the classic TLS 1.2 master secret.
// master_secret = PRF(pre_master, "master secret", client_random ||
// server_random)[0..47]
func MasterSecret12(alg HashAlgorithm, preMaster, clientRandom, serverRandom []byte) []byte {
	seed := make([]byte, 0, 2*RandomLen)
	seed = append(seed, clientRandom...)
	seed = append(seed, serverRandom...)
	return PRF12(alg, preMaster, []byte(masterSecretLabel), seed, MasterSecretLen)
}

// ExtendedMasterSecret12 derives the RFC 7627 master secret from the
// session hash (the transcript hash through ClientKeyExchange).
func ExtendedMasterSecret12(alg HashAlgorithm, preMaster, sessionHash []byte) []byte {
	return PRF12(alg, preMaster, []byte(extendedMasterSecretLabel), sessionHash, MasterSecretLen)
}

// keyMaterial12 is the partitioned TLS 1.2 key block.
type keyMaterial12 struct {
	clientMACKey []byte
	serverMACKey []byte
	clientKey    []byte
	serverKey    []byte
	clientIV     []byte
	serverIV     []byte
}

// KeyBlock12 expands the master secret into per-direction keys.
// key_block = PRF(master, "key expansion", server_random ||
// client_random), partitioned MAC keys, write keys, then IVs. AEAD
// suites have no MAC keys; their IV share is the implicit nonce part.
func KeyBlock12(masterSecret, clientRandom, serverRandom []byte, suite *CipherSuiteInfo) *keyMaterial12 {
	// Server random leads the key-expansion seed.
	seed := make([]byte, 0, 2*RandomLen)
	seed = append(seed, serverRandom...)
	seed = append(seed, clientRandom...)

	total := 2*suite.MACLen + 2*suite.KeyLen + 2*suite.IVLen
	block := PRF12(suite.Hash, masterSecret, []byte(keyExpansionLabel), seed, total)

	km := &keyMaterial12{}
	off := 0
	take := func(n int) []byte {
		b := block[off : off+n]
		off += n
		return b
	}
	if suite.MACLen > 0 {
		km.clientMACKey = take(suite.MACLen)
		km.serverMACKey = take(suite.MACLen)
	}
	km.clientKey = take(suite.KeyLen)
	km.serverKey = take(suite.KeyLen)
	if suite.IVLen > 0 {
		km.clientIV = take(suite.IVLen)
		km.serverIV = take(suite.IVLen)
	}
	return km
}

// chachaNonce12 builds the RFC 7905 nonce: write IV XOR the sequence
// number left-padded to 12 bytes.
func chachaNonce12(writeIV []byte, seq uint64) []byte {
	nonce := make([]byte, 12)
	copy(nonce, writeIV)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := 0; i < 8; i++ {
		nonce[4+i] ^= s[i]
	}
	return nonce
}

// additionalData12 builds the TLS 1.2 AEAD additional data (also the
// CBC MAC pseudo-header when truncated to 11 bytes by the caller):
// seq (8) || type (1) || version (2) || plaintext length (2).
func additionalData12(seq uint64, contentType uint8, version uint16, plainLen int) []byte {
	ad := make([]byte, 13)
	binary.BigEndian.PutUint64(ad[:8], seq)
	ad[8] = contentType
	binary.BigEndian.PutUint16(ad[9:11], version)
	binary.BigEndian.PutUint16(ad[11:13], uint16(plainLen))
	return ad
}
