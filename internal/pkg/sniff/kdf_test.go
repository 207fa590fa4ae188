package sniff

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// The PRF vector with label "test label" that TLS 1.2 implementations
// commonly validate against.
func TestPRF12_SHA256Vector(t *testing.T) {
	secret := unhex(t, "9bbe436ba940f017b17652849a71db35")
	seed := unhex(t, "a0ba9f936cda311827a6f796ffd5198c")
	want := unhex(t,
		"e3f229ba727be17b8d122620557cd453c2aab21d07c3d495329b52d4e61edb5a"+
			"6b301791e90d35c9c9a46b4e14baf9af0fa022f7077def17abfd3797c0564bab"+
			"4fbc91666e9def9b97fce34f796789baa48082d122ee42c5a72e5a5110fff701"+
			"87347b66")

	out := PRF12(HashSHA256, secret, []byte("test label"), seed, len(want))
	assert.Equal(t, want, out)
}

func TestMasterSecret12_Length(t *testing.T) {
	pre := make([]byte, 48)
	cr := make([]byte, RandomLen)
	sr := make([]byte, RandomLen)
	for i := range cr {
		cr[i], sr[i] = byte(i), byte(255-i)
	}

	ms := MasterSecret12(HashSHA256, pre, cr, sr)
	assert.Len(t, ms, MasterSecretLen)

	// The extended form binds the session hash instead of the randoms
	// and must differ from the classic derivation.
	ems := ExtendedMasterSecret12(HashSHA256, pre, make([]byte, 32))
	assert.Len(t, ems, MasterSecretLen)
	assert.NotEqual(t, ms, ems)
}

func TestKeyBlock12_Partitioning(t *testing.T) {
	ms := make([]byte, MasterSecretLen)
	cr := make([]byte, RandomLen)
	sr := make([]byte, RandomLen)

	cbc := GetCipherSuiteInfo(0x003c) // AES_128_CBC_SHA256
	require.NotNil(t, cbc)
	km := KeyBlock12(ms, cr, sr, cbc)
	assert.Len(t, km.clientMACKey, 32)
	assert.Len(t, km.serverMACKey, 32)
	assert.Len(t, km.clientKey, 16)
	assert.Len(t, km.serverKey, 16)
	assert.Len(t, km.clientIV, 16)
	assert.Len(t, km.serverIV, 16)
	assert.NotEqual(t, km.clientKey, km.serverKey)

	gcm := GetCipherSuiteInfo(0x009c) // AES_128_GCM_SHA256
	require.NotNil(t, gcm)
	km = KeyBlock12(ms, cr, sr, gcm)
	assert.Nil(t, km.clientMACKey)
	assert.Len(t, km.clientKey, 16)
	assert.Len(t, km.clientIV, 4)
}

// RFC 8448 §3: the early secret with no PSK and the "derived" salt that
// feeds the handshake secret.
func TestSchedule13_RFC8448EarlySecret(t *testing.T) {
	s := newSchedule13(HashSHA256)
	s.deriveEarly(nil)
	assert.Equal(t,
		unhex(t, "33ad0a1c607ec03b09e6cd9893680ce210adf300aa1f2660e1b22e10f170f92a"),
		s.earlySecret)

	salt := deriveSecret(HashSHA256, s.earlySecret, labelDerived, emptyHash(HashSHA256))
	assert.Equal(t,
		unhex(t, "6f2615a108c702c5678f54fc9dbab69716c076189c48250cebeac3576c3611ba"),
		salt)
}

func TestSchedule13_FullDerivationShape(t *testing.T) {
	s := newSchedule13(HashSHA384)
	s.deriveEarly(nil)
	s.deriveHandshake(make([]byte, 32))

	th := make([]byte, hashSize(HashSHA384))
	s.deriveHandshakeTraffic(th)
	assert.Len(t, s.clientHSTraffic, 48)
	assert.Len(t, s.serverHSTraffic, 48)
	assert.NotEqual(t, s.clientHSTraffic, s.serverHSTraffic)

	s.deriveMaster()
	s.deriveAppTraffic(th)
	assert.Len(t, s.clientAppTraffic, 48)
	assert.NotEqual(t, s.clientHSTraffic, s.clientAppTraffic)

	s.deriveResumption(th)
	assert.Len(t, s.resumptionMaster, 48)

	suite := GetCipherSuiteInfo(0x1302) // TLS_AES_256_GCM_SHA384
	require.NotNil(t, suite)
	key, iv := trafficKeys13(HashSHA384, s.serverAppTraffic, suite)
	assert.Len(t, key, 32)
	assert.Len(t, iv, 12)

	next := updateTrafficSecret(HashSHA384, s.serverAppTraffic)
	assert.Len(t, next, 48)
	assert.NotEqual(t, s.serverAppTraffic, next)
}

func TestTicketPSK_Deterministic(t *testing.T) {
	rm := make([]byte, 32)
	psk1 := ticketPSK(HashSHA256, rm, []byte{0, 0})
	psk2 := ticketPSK(HashSHA256, rm, []byte{0, 1})
	assert.Len(t, psk1, 32)
	assert.NotEqual(t, psk1, psk2)
	assert.Equal(t, psk1, ticketPSK(HashSHA256, rm, []byte{0, 0}))
}

func TestNonce13_XOR(t *testing.T) {
	iv := unhex(t, "000102030405060708090a0b")
	n0 := nonce13(iv, 0)
	assert.Equal(t, iv, n0)

	n1 := nonce13(iv, 1)
	assert.Equal(t, byte(0x0b^0x01), n1[11])
	assert.Equal(t, iv[:11], n1[:11])

	// The IV itself must not be mutated.
	assert.Equal(t, unhex(t, "000102030405060708090a0b"), iv)
}

func TestChaChaNonce12(t *testing.T) {
	iv := unhex(t, "0f0e0d0c0b0a09080706050403020100"[:24])
	n := chachaNonce12(iv, 0x0102030405060708)
	assert.Equal(t, iv[:4], n[:4])
	assert.Equal(t, byte(iv[4]^0x01), n[4])
	assert.Equal(t, byte(iv[11]^0x08), n[11])
}

func TestAdditionalData12_Layout(t *testing.T) {
	ad := additionalData12(0x0102030405060708, ContentTypeApplicationData, VersionTLS12, 256)
	require.Len(t, ad, 13)
	assert.Equal(t, unhex(t, "0102030405060708"), ad[:8])
	assert.Equal(t, ContentTypeApplicationData, ad[8])
	assert.Equal(t, unhex(t, "0303"), ad[9:11])
	assert.Equal(t, unhex(t, "0100"), ad[11:13])
}

func TestAdditionalData13_Layout(t *testing.T) {
	ad := additionalData13(0x1234)
	assert.Equal(t, unhex(t, "1703031234"), ad)
}
