package sniff

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Handshake message extraction and parsing. Messages are pulled from the
// handshake content stream of one direction, which may fragment a
// message across any number of records; the session keeps a pending
// buffer per direction.

// handshakeMsg is one complete handshake message.
type handshakeMsg struct {
	typ uint8
	// body is the message payload after the 4-byte header.
	body []byte
	// raw includes the header; the transcript hash consumes raw.
	raw []byte
}

// handshakeBuffer accumulates handshake content bytes until complete
// messages are available. Overflow beyond MaxHandshakeMessageSize is a
// protocol violation (certificate chains are the only large case and fit
// well under the cap).
type handshakeBuffer struct {
	buf []byte
}

// append adds record content; next pulls messages until it returns nil.
func (hb *handshakeBuffer) append(data []byte) error {
	if len(hb.buf)+len(data) > MaxHandshakeMessageSize {
		return fmt.Errorf("%w: handshake buffer overflow (%d bytes)",
			ErrProtocolViolation, len(hb.buf)+len(data))
	}
	hb.buf = append(hb.buf, data...)
	return nil
}

func (hb *handshakeBuffer) next() *handshakeMsg {
	if len(hb.buf) < 4 {
		return nil
	}
	length := int(hb.buf[1])<<16 | int(hb.buf[2])<<8 | int(hb.buf[3])
	if len(hb.buf) < 4+length {
		return nil
	}
	raw := make([]byte, 4+length)
	copy(raw, hb.buf[:4+length])
	hb.buf = hb.buf[4+length:]
	return &handshakeMsg{typ: raw[0], body: raw[4:], raw: raw}
}

func (hb *handshakeBuffer) size() int { return len(hb.buf) }

func (hb *handshakeBuffer) reset() { hb.buf = nil }

// cursor walks a handshake body with bounds checking. Failed reads latch
// the error; callers check once at the end of a parse.
type cursor struct {
	b   []byte
	err error
}

func (c *cursor) fail() {
	if c.err == nil {
		c.err = fmt.Errorf("%w: truncated handshake message", ErrProtocolViolation)
	}
}

func (c *cursor) u8() uint8 {
	if c.err != nil || len(c.b) < 1 {
		c.fail()
		return 0
	}
	v := c.b[0]
	c.b = c.b[1:]
	return v
}

func (c *cursor) u16() uint16 {
	if c.err != nil || len(c.b) < 2 {
		c.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(c.b)
	c.b = c.b[2:]
	return v
}

func (c *cursor) u32() uint32 {
	if c.err != nil || len(c.b) < 4 {
		c.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(c.b)
	c.b = c.b[4:]
	return v
}

func (c *cursor) u24() int {
	if c.err != nil || len(c.b) < 3 {
		c.fail()
		return 0
	}
	v := int(c.b[0])<<16 | int(c.b[1])<<8 | int(c.b[2])
	c.b = c.b[3:]
	return v
}

func (c *cursor) bytes(n int) []byte {
	if c.err != nil || n < 0 || len(c.b) < n {
		c.fail()
		return nil
	}
	v := c.b[:n]
	c.b = c.b[n:]
	return v
}

func (c *cursor) vec8() []byte  { return c.bytes(int(c.u8())) }
func (c *cursor) vec16() []byte { return c.bytes(int(c.u16())) }

func (c *cursor) empty() bool { return len(c.b) == 0 }

// keyShare is one (group, public value) pair from a key_share extension.
type keyShare struct {
	group  uint16
	public []byte
}

// clientHello is the parsed ClientHello surface the engine acts on.
type clientHello struct {
	legacyVersion uint16
	random        []byte
	sessionID     []byte
	cipherSuites  []uint16

	serverName        string
	supportedVersions []uint16
	keyShares         []keyShare
	extendedMaster    bool
	ticketOffered     bool
	ticket            []byte
	pskOffered        bool
	pskIdentities     [][]byte
}

func parseClientHello(body []byte) (*clientHello, error) {
	c := &cursor{b: body}
	ch := &clientHello{}

	ch.legacyVersion = c.u16()
	ch.random = append([]byte(nil), c.bytes(RandomLen)...)
	ch.sessionID = append([]byte(nil), c.vec8()...)

	suites := c.vec16()
	for i := 0; i+1 < len(suites); i += 2 {
		ch.cipherSuites = append(ch.cipherSuites, binary.BigEndian.Uint16(suites[i:]))
	}
	c.vec8() // compression methods

	if c.err == nil && !c.empty() {
		parseHelloExtensions(c.vec16(), func(id uint16, data []byte) {
			ec := &cursor{b: data}
			switch id {
			case extServerName:
				list := ec.vec16()
				lc := &cursor{b: list}
				for lc.err == nil && !lc.empty() {
					nameType := lc.u8()
					name := lc.vec16()
					if nameType == 0 && ch.serverName == "" {
						ch.serverName = string(name)
					}
				}
			case extSupportedVersions:
				vs := ec.vec8()
				for i := 0; i+1 < len(vs); i += 2 {
					ch.supportedVersions = append(ch.supportedVersions, binary.BigEndian.Uint16(vs[i:]))
				}
			case extKeyShare:
				shares := ec.vec16()
				sc := &cursor{b: shares}
				for sc.err == nil && !sc.empty() {
					group := sc.u16()
					pub := sc.vec16()
					if sc.err == nil {
						ch.keyShares = append(ch.keyShares, keyShare{
							group:  group,
							public: append([]byte(nil), pub...),
						})
					}
				}
			case extExtendedMasterSecret:
				ch.extendedMaster = true
			case extSessionTicket:
				ch.ticketOffered = true
				if len(data) > 0 {
					ch.ticket = append([]byte(nil), data...)
				}
			case extPreSharedKey:
				ch.pskOffered = true
				ids := ec.vec16()
				ic := &cursor{b: ids}
				for ic.err == nil && !ic.empty() {
					identity := ic.vec16()
					ic.bytes(4) // obfuscated ticket age
					if ic.err == nil {
						ch.pskIdentities = append(ch.pskIdentities, append([]byte(nil), identity...))
					}
				}
			}
		})
	}
	if c.err != nil {
		return nil, fmt.Errorf("ClientHello: %w", c.err)
	}
	return ch, nil
}

// helloRetryRandom is the fixed ServerHello.random that marks a
// HelloRetryRequest (RFC 8446 §4.1.3).
var helloRetryRandom = []byte{
	0xcf, 0x21, 0xad, 0x74, 0xe5, 0x9a, 0x61, 0x11,
	0xbe, 0x1d, 0x8c, 0x02, 0x1e, 0x65, 0xb8, 0x91,
	0xc2, 0xa2, 0x11, 0x16, 0x7a, 0xbb, 0x8c, 0x5e,
	0x07, 0x9e, 0x09, 0xe2, 0xc8, 0xa8, 0x33, 0x9c,
}

// serverHello is the parsed ServerHello surface.
type serverHello struct {
	legacyVersion   uint16
	selectedVersion uint16 // nonzero when supported_versions was present
	random          []byte
	sessionID       []byte
	suite           uint16

	keyShare       *keyShare
	extendedMaster bool
	pskSelected    bool
	pskIdentity    uint16
	ticketExt      bool
	helloRetry     bool
}

// version returns the negotiated protocol version.
func (sh *serverHello) version() uint16 {
	if sh.selectedVersion != 0 {
		return sh.selectedVersion
	}
	return sh.legacyVersion
}

func parseServerHello(body []byte) (*serverHello, error) {
	c := &cursor{b: body}
	sh := &serverHello{}

	sh.legacyVersion = c.u16()
	sh.random = append([]byte(nil), c.bytes(RandomLen)...)
	sh.sessionID = append([]byte(nil), c.vec8()...)
	sh.suite = c.u16()
	c.u8() // compression method

	sh.helloRetry = c.err == nil && bytes.Equal(sh.random, helloRetryRandom)

	if c.err == nil && !c.empty() {
		parseHelloExtensions(c.vec16(), func(id uint16, data []byte) {
			ec := &cursor{b: data}
			switch id {
			case extSupportedVersions:
				sh.selectedVersion = ec.u16()
			case extKeyShare:
				group := ec.u16()
				// In a HelloRetryRequest the extension carries only the
				// requested group.
				if sh.helloRetry {
					sh.keyShare = &keyShare{group: group}
					return
				}
				pub := ec.vec16()
				if ec.err == nil {
					sh.keyShare = &keyShare{group: group, public: append([]byte(nil), pub...)}
				}
			case extExtendedMasterSecret:
				sh.extendedMaster = true
			case extPreSharedKey:
				sh.pskSelected = true
				sh.pskIdentity = ec.u16()
			case extSessionTicket:
				sh.ticketExt = true
			}
		})
	}
	if c.err != nil {
		return nil, fmt.Errorf("ServerHello: %w", c.err)
	}
	return sh, nil
}

// parseHelloExtensions walks an extension block, calling fn per
// extension. Malformed blocks end the walk silently; the individual
// parsers validate what they consume.
func parseHelloExtensions(block []byte, fn func(id uint16, data []byte)) {
	c := &cursor{b: block}
	for c.err == nil && !c.empty() {
		id := c.u16()
		data := c.vec16()
		if c.err != nil {
			return
		}
		fn(id, data)
	}
}

// certificateMsg is a parsed TLS 1.2 Certificate message (the cleartext
// form; TLS 1.3 certificates ride inside encrypted handshake records).
type certificateMsg struct {
	chain [][]byte // DER, leaf first
}

func parseCertificate(body []byte) (*certificateMsg, error) {
	c := &cursor{b: body}
	total := c.u24()
	list := c.bytes(total)
	if c.err != nil {
		return nil, fmt.Errorf("Certificate: %w", c.err)
	}
	msg := &certificateMsg{}
	lc := &cursor{b: list}
	for lc.err == nil && !lc.empty() {
		n := lc.u24()
		der := lc.bytes(n)
		if lc.err == nil {
			msg.chain = append(msg.chain, append([]byte(nil), der...))
		}
	}
	if lc.err != nil {
		return nil, fmt.Errorf("Certificate: %w", lc.err)
	}
	return msg, nil
}

// certificate13 is the TLS 1.3 Certificate form: a request context and
// entries that each carry their own extensions.
type certificate13 struct {
	context []byte
	chain   [][]byte // DER, leaf first
}

func parseCertificate13(body []byte) (*certificate13, error) {
	c := &cursor{b: body}
	msg := &certificate13{}
	msg.context = append([]byte(nil), c.vec8()...)
	total := c.u24()
	list := c.bytes(total)
	if c.err != nil {
		return nil, fmt.Errorf("Certificate: %w", c.err)
	}
	lc := &cursor{b: list}
	for lc.err == nil && !lc.empty() {
		n := lc.u24()
		der := lc.bytes(n)
		lc.vec16() // per-entry extensions
		if lc.err == nil {
			msg.chain = append(msg.chain, append([]byte(nil), der...))
		}
	}
	if lc.err != nil {
		return nil, fmt.Errorf("Certificate: %w", lc.err)
	}
	return msg, nil
}

// serverKeyExchange carries the ephemeral parameters of a PFS handshake.
type serverKeyExchange struct {
	// ECDHE: named group and uncompressed point.
	group        uint16
	serverPublic []byte

	// DHE: explicit parameters. explicitDH marks the form.
	explicitDH bool
	dhPrime    []byte
	dhGen      []byte
}

// parseServerKeyExchange understands the ECDHE named-curve form and the
// classic DHE form; kx selects which one the suite promised.
func parseServerKeyExchange(body []byte, kx KeyExchange) (*serverKeyExchange, error) {
	c := &cursor{b: body}
	ske := &serverKeyExchange{}
	switch kx {
	case KxECDHE:
		curveType := c.u8()
		if c.err == nil && curveType != 3 { // named_curve
			return nil, fmt.Errorf("%w: unsupported curve type %d", ErrProtocolViolation, curveType)
		}
		ske.group = c.u16()
		ske.serverPublic = append([]byte(nil), c.vec8()...)
	case KxDHE:
		ske.explicitDH = true
		ske.dhPrime = append([]byte(nil), c.vec16()...)
		ske.dhGen = append([]byte(nil), c.vec16()...)
		ske.serverPublic = append([]byte(nil), c.vec16()...)
		ske.group = matchFFDHEGroup(ske.dhPrime)
	default:
		return nil, fmt.Errorf("%w: ServerKeyExchange for non-PFS suite", ErrProtocolViolation)
	}
	if c.err != nil {
		return nil, fmt.Errorf("ServerKeyExchange: %w", c.err)
	}
	return ske, nil
}

// clientKeyExchange carries the client half of the key exchange.
type clientKeyExchange struct {
	// RSA suites: the encrypted premaster secret.
	encryptedPreMaster []byte
	// (EC)DHE suites: the client public value.
	clientPublic []byte
}

func parseClientKeyExchange(body []byte, kx KeyExchange) (*clientKeyExchange, error) {
	c := &cursor{b: body}
	cke := &clientKeyExchange{}
	switch kx {
	case KxRSA:
		cke.encryptedPreMaster = append([]byte(nil), c.vec16()...)
	case KxECDHE:
		cke.clientPublic = append([]byte(nil), c.vec8()...)
	case KxDHE:
		cke.clientPublic = append([]byte(nil), c.vec16()...)
	default:
		return nil, fmt.Errorf("%w: ClientKeyExchange for unexpected suite", ErrProtocolViolation)
	}
	if c.err != nil {
		return nil, fmt.Errorf("ClientKeyExchange: %w", c.err)
	}
	return cke, nil
}

// sessionTicket12 is a TLS 1.2 NewSessionTicket (RFC 5077).
type sessionTicket12 struct {
	lifetime uint32
	ticket   []byte
}

func parseNewSessionTicket12(body []byte) (*sessionTicket12, error) {
	c := &cursor{b: body}
	st := &sessionTicket12{}
	st.lifetime = c.u32()
	st.ticket = append([]byte(nil), c.vec16()...)
	if c.err != nil {
		return nil, fmt.Errorf("NewSessionTicket: %w", c.err)
	}
	return st, nil
}

// sessionTicket13 is a TLS 1.3 NewSessionTicket (RFC 8446 §4.6.1).
type sessionTicket13 struct {
	lifetime uint32
	ageAdd   uint32
	nonce    []byte
	ticket   []byte
}

func parseNewSessionTicket13(body []byte) (*sessionTicket13, error) {
	c := &cursor{b: body}
	st := &sessionTicket13{}
	st.lifetime = c.u32()
	st.ageAdd = c.u32()
	st.nonce = append([]byte(nil), c.vec8()...)
	st.ticket = append([]byte(nil), c.vec16()...)
	if c.err != nil {
		return nil, fmt.Errorf("NewSessionTicket: %w", c.err)
	}
	return st, nil
}
