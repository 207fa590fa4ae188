// Package sniff decrypts TLS sessions observed passively from captured
// TCP/IP traffic. It is not a protocol endpoint: it reconstructs each
// side's byte stream from packets, follows the handshake, resolves key
// material out-of-band (static keys, ephemeral resolution, certificate
// watch), and reproduces the plaintext application data.
package sniff

// TLS record content types
const (
	ContentTypeChangeCipherSpec uint8 = 20
	ContentTypeAlert            uint8 = 21
	ContentTypeHandshake        uint8 = 22
	ContentTypeApplicationData  uint8 = 23
	ContentTypeHeartbeat        uint8 = 24
)

// Protocol versions (wire encoding)
const (
	VersionSSL30 uint16 = 0x0300
	VersionTLS10 uint16 = 0x0301
	VersionTLS11 uint16 = 0x0302
	VersionTLS12 uint16 = 0x0303
	VersionTLS13 uint16 = 0x0304
)

// VersionName returns a human-readable protocol version.
func VersionName(v uint16) string {
	switch v {
	case VersionSSL30:
		return "SSLv3"
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	}
	return "unknown"
}

const (
	// RecordHeaderSize is the TLS record header length
	RecordHeaderSize = 5

	// MaxRecordSize is the maximum TLS record fragment length, with
	// expansion allowance for protected records
	MaxRecordSize = 16384 + 2048

	// MaxHandshakeMessageSize bounds a single buffered handshake message
	// (certificate chains are the large case)
	MaxHandshakeMessageSize = 1 << 17

	// MasterSecretLen is the TLS master secret length
	MasterSecretLen = 48

	// RandomLen is the ClientHello/ServerHello random length
	RandomLen = 32
)

// Handshake message types
const (
	HandshakeTypeHelloRequest        uint8 = 0
	HandshakeTypeClientHello         uint8 = 1
	HandshakeTypeServerHello         uint8 = 2
	HandshakeTypeNewSessionTicket    uint8 = 4
	HandshakeTypeEndOfEarlyData      uint8 = 5
	HandshakeTypeEncryptedExtensions uint8 = 8
	HandshakeTypeCertificate         uint8 = 11
	HandshakeTypeServerKeyExchange   uint8 = 12
	HandshakeTypeCertificateRequest  uint8 = 13
	HandshakeTypeServerHelloDone     uint8 = 14
	HandshakeTypeCertificateVerify   uint8 = 15
	HandshakeTypeClientKeyExchange   uint8 = 16
	HandshakeTypeFinished            uint8 = 20
	HandshakeTypeKeyUpdate           uint8 = 24
)

// Extension identifiers
const (
	extServerName           uint16 = 0
	extSupportedGroups      uint16 = 10
	extECPointFormats       uint16 = 11
	extSignatureAlgorithms  uint16 = 13
	extALPN                 uint16 = 16
	extExtendedMasterSecret uint16 = 23
	extSessionTicket        uint16 = 35
	extPreSharedKey         uint16 = 41
	extEarlyData            uint16 = 42
	extSupportedVersions    uint16 = 43
	extPSKKeyExchangeModes  uint16 = 45
	extKeyShare             uint16 = 51
)

// Named groups for (EC)DHE key exchange
const (
	GroupSecp256r1 uint16 = 0x0017
	GroupSecp384r1 uint16 = 0x0018
	GroupSecp521r1 uint16 = 0x0019
	GroupX25519    uint16 = 0x001d
	GroupFFDHE2048 uint16 = 0x0100
	GroupFFDHE3072 uint16 = 0x0101
	GroupFFDHE4096 uint16 = 0x0102
)

// GroupName returns the IANA name of a named group.
func GroupName(group uint16) string {
	switch group {
	case GroupSecp256r1:
		return "secp256r1"
	case GroupSecp384r1:
		return "secp384r1"
	case GroupSecp521r1:
		return "secp521r1"
	case GroupX25519:
		return "x25519"
	case GroupFFDHE2048:
		return "ffdhe2048"
	case GroupFFDHE3072:
		return "ffdhe3072"
	case GroupFFDHE4096:
		return "ffdhe4096"
	}
	return "unknown"
}

// Alert levels and descriptions used by the engine
const (
	alertLevelWarning uint8 = 1
	alertLevelFatal   uint8 = 2

	alertCloseNotify uint8 = 0
)

// Direction of packet flow within a session
type Direction int

const (
	DirectionClientToServer Direction = iota
	DirectionServerToClient
)

func (d Direction) String() string {
	switch d {
	case DirectionClientToServer:
		return "client->server"
	case DirectionServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == DirectionClientToServer {
		return DirectionServerToClient
	}
	return DirectionClientToServer
}

// HashAlgorithm selects the hash for PRF/HKDF and HMAC computation
type HashAlgorithm int

const (
	HashSHA1 HashAlgorithm = iota + 1
	HashSHA256
	HashSHA384
)

// KeyExchange classifies how a suite establishes its premaster secret
type KeyExchange int

const (
	KxRSA KeyExchange = iota
	KxECDHE
	KxDHE
	KxTLS13
)

// CipherSuiteInfo describes the parameters of a decryptable cipher suite
type CipherSuiteInfo struct {
	ID      uint16
	Name    string
	Kx      KeyExchange
	KeyLen  int
	IVLen   int
	MACLen  int
	Hash    HashAlgorithm
	IsAEAD  bool
	IsTLS13 bool
}

// cipherSuites maps suite IDs to their decryption parameters. IVLen is
// the implicit (key block) IV length: 4 for TLS 1.2 GCM, 12 for ChaCha20
// and TLS 1.3 AEADs, the block size for CBC suites.
var cipherSuites = map[uint16]CipherSuiteInfo{
	// Static RSA
	0x002f: {ID: 0x002f, Name: "TLS_RSA_WITH_AES_128_CBC_SHA", Kx: KxRSA, KeyLen: 16, IVLen: 16, MACLen: 20, Hash: HashSHA256},
	0x0035: {ID: 0x0035, Name: "TLS_RSA_WITH_AES_256_CBC_SHA", Kx: KxRSA, KeyLen: 32, IVLen: 16, MACLen: 20, Hash: HashSHA256},
	0x003c: {ID: 0x003c, Name: "TLS_RSA_WITH_AES_128_CBC_SHA256", Kx: KxRSA, KeyLen: 16, IVLen: 16, MACLen: 32, Hash: HashSHA256},
	0x003d: {ID: 0x003d, Name: "TLS_RSA_WITH_AES_256_CBC_SHA256", Kx: KxRSA, KeyLen: 32, IVLen: 16, MACLen: 32, Hash: HashSHA256},
	0x009c: {ID: 0x009c, Name: "TLS_RSA_WITH_AES_128_GCM_SHA256", Kx: KxRSA, KeyLen: 16, IVLen: 4, Hash: HashSHA256, IsAEAD: true},
	0x009d: {ID: 0x009d, Name: "TLS_RSA_WITH_AES_256_GCM_SHA384", Kx: KxRSA, KeyLen: 32, IVLen: 4, Hash: HashSHA384, IsAEAD: true},

	// DHE
	0x0033: {ID: 0x0033, Name: "TLS_DHE_RSA_WITH_AES_128_CBC_SHA", Kx: KxDHE, KeyLen: 16, IVLen: 16, MACLen: 20, Hash: HashSHA256},
	0x0039: {ID: 0x0039, Name: "TLS_DHE_RSA_WITH_AES_256_CBC_SHA", Kx: KxDHE, KeyLen: 32, IVLen: 16, MACLen: 20, Hash: HashSHA256},
	0x0067: {ID: 0x0067, Name: "TLS_DHE_RSA_WITH_AES_128_CBC_SHA256", Kx: KxDHE, KeyLen: 16, IVLen: 16, MACLen: 32, Hash: HashSHA256},
	0x006b: {ID: 0x006b, Name: "TLS_DHE_RSA_WITH_AES_256_CBC_SHA256", Kx: KxDHE, KeyLen: 32, IVLen: 16, MACLen: 32, Hash: HashSHA256},
	0x009e: {ID: 0x009e, Name: "TLS_DHE_RSA_WITH_AES_128_GCM_SHA256", Kx: KxDHE, KeyLen: 16, IVLen: 4, Hash: HashSHA256, IsAEAD: true},
	0x009f: {ID: 0x009f, Name: "TLS_DHE_RSA_WITH_AES_256_GCM_SHA384", Kx: KxDHE, KeyLen: 32, IVLen: 4, Hash: HashSHA384, IsAEAD: true},

	// ECDHE CBC
	0xc009: {ID: 0xc009, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA", Kx: KxECDHE, KeyLen: 16, IVLen: 16, MACLen: 20, Hash: HashSHA256},
	0xc00a: {ID: 0xc00a, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA", Kx: KxECDHE, KeyLen: 32, IVLen: 16, MACLen: 20, Hash: HashSHA256},
	0xc013: {ID: 0xc013, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA", Kx: KxECDHE, KeyLen: 16, IVLen: 16, MACLen: 20, Hash: HashSHA256},
	0xc014: {ID: 0xc014, Name: "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA", Kx: KxECDHE, KeyLen: 32, IVLen: 16, MACLen: 20, Hash: HashSHA256},
	0xc023: {ID: 0xc023, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256", Kx: KxECDHE, KeyLen: 16, IVLen: 16, MACLen: 32, Hash: HashSHA256},
	0xc024: {ID: 0xc024, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384", Kx: KxECDHE, KeyLen: 32, IVLen: 16, MACLen: 48, Hash: HashSHA384},
	0xc027: {ID: 0xc027, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256", Kx: KxECDHE, KeyLen: 16, IVLen: 16, MACLen: 32, Hash: HashSHA256},
	0xc028: {ID: 0xc028, Name: "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384", Kx: KxECDHE, KeyLen: 32, IVLen: 16, MACLen: 48, Hash: HashSHA384},

	// ECDHE GCM
	0xc02b: {ID: 0xc02b, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", Kx: KxECDHE, KeyLen: 16, IVLen: 4, Hash: HashSHA256, IsAEAD: true},
	0xc02c: {ID: 0xc02c, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384", Kx: KxECDHE, KeyLen: 32, IVLen: 4, Hash: HashSHA384, IsAEAD: true},
	0xc02f: {ID: 0xc02f, Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", Kx: KxECDHE, KeyLen: 16, IVLen: 4, Hash: HashSHA256, IsAEAD: true},
	0xc030: {ID: 0xc030, Name: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", Kx: KxECDHE, KeyLen: 32, IVLen: 4, Hash: HashSHA384, IsAEAD: true},

	// ChaCha20-Poly1305
	0xcca8: {ID: 0xcca8, Name: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256", Kx: KxECDHE, KeyLen: 32, IVLen: 12, Hash: HashSHA256, IsAEAD: true},
	0xcca9: {ID: 0xcca9, Name: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256", Kx: KxECDHE, KeyLen: 32, IVLen: 12, Hash: HashSHA256, IsAEAD: true},

	// TLS 1.3
	0x1301: {ID: 0x1301, Name: "TLS_AES_128_GCM_SHA256", Kx: KxTLS13, KeyLen: 16, IVLen: 12, Hash: HashSHA256, IsAEAD: true, IsTLS13: true},
	0x1302: {ID: 0x1302, Name: "TLS_AES_256_GCM_SHA384", Kx: KxTLS13, KeyLen: 32, IVLen: 12, Hash: HashSHA384, IsAEAD: true, IsTLS13: true},
	0x1303: {ID: 0x1303, Name: "TLS_CHACHA20_POLY1305_SHA256", Kx: KxTLS13, KeyLen: 32, IVLen: 12, Hash: HashSHA256, IsAEAD: true, IsTLS13: true},
}

// GetCipherSuiteInfo returns a copy of the suite parameters, or nil for
// suites this engine cannot decrypt.
func GetCipherSuiteInfo(id uint16) *CipherSuiteInfo {
	if info, ok := cipherSuites[id]; ok {
		return &info
	}
	return nil
}

// CipherSuiteName returns the IANA name, or a hex form for unknown IDs.
func CipherSuiteName(id uint16) string {
	if info, ok := cipherSuites[id]; ok {
		return info.Name
	}
	return "unknown"
}
