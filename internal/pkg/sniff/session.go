package sniff

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"hash"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cconlon/tlstap/internal/pkg/assembly"
	"github.com/cconlon/tlstap/internal/pkg/keystore"
	"github.com/cconlon/tlstap/internal/pkg/logger"
	"github.com/cconlon/tlstap/internal/pkg/sniff/ciphers"
)

// Phase is the handshake-tracking state of a session.
type Phase int

const (
	PhaseAwaitClientHello Phase = iota
	PhaseAwaitServerHello
	PhaseAwaitKeyExchange
	PhaseKeysResolved
	PhaseEstablished
	PhaseClosed
	// PhaseDegraded absorbs unrecoverable failures: the session stays in
	// the table for statistics but never decrypts again.
	PhaseDegraded
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitClientHello:
		return "await-client-hello"
	case PhaseAwaitServerHello:
		return "await-server-hello"
	case PhaseAwaitKeyExchange:
		return "await-key-exchange"
	case PhaseKeysResolved:
		return "keys-resolved"
	case PhaseEstablished:
		return "established"
	case PhaseClosed:
		return "closed"
	case PhaseDegraded:
		return "degraded"
	}
	return "unknown"
}

// FlowKey identifies one observed TCP connection. Client and server are
// fixed at session creation; packets from either orientation map to the
// same session.
type FlowKey struct {
	ClientAddr netip.Addr
	ClientPort uint16
	ServerAddr netip.Addr
	ServerPort uint16
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", k.ClientAddr, k.ClientPort, k.ServerAddr, k.ServerPort)
}

// reversed swaps the two endpoints.
func (k FlowKey) reversed() FlowKey {
	return FlowKey{
		ClientAddr: k.ServerAddr, ClientPort: k.ServerPort,
		ServerAddr: k.ClientAddr, ServerPort: k.ClientPort,
	}
}

// halfConn is the per-direction half of a session: TCP reassembly, TLS
// record assembly, and the active record protection state.
type halfConn struct {
	stream  *assembly.Stream
	records *recordAssembler
	hsBuf   handshakeBuffer

	cipher    ciphers.Cipher
	writeKey  []byte
	writeIV   []byte
	macKey    []byte
	seq       uint64
	encrypted bool

	// trafficSecret is kept for TLS 1.3 KeyUpdate rekeying.
	trafficSecret []byte

	// appOffset is the cumulative count of decrypted application bytes
	// delivered for this direction, fed to streaming sinks.
	appOffset uint64

	sawFIN bool
}

// memory returns the bytes this half holds.
func (hc *halfConn) memory() int64 {
	m := int64(hc.stream.HeldBytes()) + int64(hc.hsBuf.size())
	if hc.records != nil {
		m += int64(hc.records.buffered())
	}
	return m
}

// session tracks one observed TLS connection. All mutation happens under
// mu; the decode path and the recovery sweep are the two lock holders.
type session struct {
	mu sync.Mutex

	key FlowKey
	// tableKey is the map index the session was created under; it never
	// changes, while key carries the client/server orientation.
	tableKey  FlowKey
	id        uuid.UUID
	seqno     uint64 // creation order, breaks eviction ties
	createdAt time.Time

	// lastActivityNanos is read by eviction scans without taking mu.
	lastActivityNanos atomic.Int64

	phase       Phase
	degradedErr error

	client halfConn
	server halfConn

	hello    *clientHello
	srvHello *serverHello
	suite    *CipherSuiteInfo
	version  uint16
	sni      string

	// transcript is the running handshake hash; pendingTranscript holds
	// raw messages seen before the ServerHello fixes the hash algorithm.
	transcript        hash.Hash
	transcriptAlg     HashAlgorithm
	pendingTranscript [][]byte

	certChain [][]byte
	certHash  []byte
	keySize   int

	serverKX *serverKeyExchange

	clientAuth     bool
	clientFinished bool
	serverFinished bool
	resumed        bool
	resumedSecret  *resumedSecret
	ticketSeen     []byte // TLS 1.2 NewSessionTicket, stored at Established

	masterSecret []byte
	schedule     *schedule13

	// established/degraded observer notifications fire once each.
	notifiedEstablished bool
	notifiedDegraded    bool

	packets     uint64
	streamBytes uint64

	// accountedMemory is this session's last contribution to the global
	// budget; the table reconciles deltas after every packet.
	accountedMemory int64

	// removed marks a session the table has already freed. A decode that
	// looked the session up before its removal must not feed it.
	removed bool
}

func newSession(key FlowKey, reasmCfg assembly.Config, now time.Time) *session {
	s := &session{
		key:       key,
		tableKey:  key,
		id:        uuid.New(),
		createdAt: now,
		phase:     PhaseAwaitClientHello,
	}
	s.lastActivityNanos.Store(now.UnixNano())
	s.client.stream = assembly.NewStream(reasmCfg)
	s.server.stream = assembly.NewStream(reasmCfg)
	s.client.records = newRecordAssembler()
	s.server.records = newRecordAssembler()
	return s
}

func (s *session) half(dir Direction) *halfConn {
	if dir == DirectionClientToServer {
		return &s.client
	}
	return &s.server
}

// memoryFootprint is the session's current byte cost against the
// recovery budget.
func (s *session) memoryFootprint() int64 {
	return s.client.memory() + s.server.memory()
}

// free releases pooled buffers and wipes key material. Called under the
// table's removal path.
func (s *session) free() {
	s.client.records.release()
	s.server.records.release()
	s.client.stream.Release()
	s.server.stream.Release()
	wipeBytes(s.masterSecret)
	wipeBytes(s.client.writeKey)
	wipeBytes(s.client.macKey)
	wipeBytes(s.client.trafficSecret)
	wipeBytes(s.server.writeKey)
	wipeBytes(s.server.macKey)
	wipeBytes(s.server.trafficSecret)
	if s.schedule != nil {
		wipeBytes(s.schedule.masterSecret)
		wipeBytes(s.schedule.handshakeSecret)
		wipeBytes(s.schedule.resumptionMaster)
	}
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// degrade moves the session into the absorbing failure state.
func (s *session) degrade(err error) {
	if s.phase == PhaseDegraded {
		return
	}
	logger.Debug("session degraded",
		"flow", s.key.String(),
		"phase", s.phase.String(),
		"error", err)
	s.phase = PhaseDegraded
	s.degradedErr = err
}

// segmentResult is what processing one packet produced.
type segmentResult struct {
	// plaintext is the application data decrypted by this call, in
	// stream order for the packet's direction.
	plaintext []byte
	// dir is the packet's direction.
	dir Direction
	// err is the per-packet diagnostic (nil, ErrNoData semantics are
	// applied by the caller).
	err error
	// missedBytes counts stream bytes skipped by loss recovery.
	missedBytes uint64
	// established fires the connection observer after the lock drops.
	established bool
	// degraded fires the failure observer after the lock drops.
	degraded bool
	// closed asks the table to retire the session.
	closed bool
	// sink deliveries staged while holding the session lock.
	deliveries []sinkDelivery
}

type sinkDelivery struct {
	dir    Direction
	data   []byte
	offset uint64
}

// processSegment feeds one TCP segment through reassembly, record
// assembly, and the state machine. eng supplies key resolution, the
// resumption cache, and counters. Caller holds s.mu.
func (s *session) processSegment(eng *Sniffer, dir Direction, seq uint32, payload []byte, fin, rst bool, now time.Time) segmentResult {
	res := segmentResult{dir: dir}
	s.lastActivityNanos.Store(now.UnixNano())
	s.packets++

	hc := s.half(dir)
	if rst {
		res.closed = true
		if s.phase != PhaseClosed && s.phase != PhaseDegraded {
			s.phase = PhaseClosed
		}
		return res
	}
	if fin {
		hc.sawFIN = true
	}
	if len(payload) == 0 {
		if s.client.sawFIN && s.server.sawFIN {
			res.closed = true
		}
		return res
	}

	s.streamBytes += uint64(len(payload))

	data, verdict := hc.stream.Feed(seq, payload)
	switch verdict {
	case assembly.Dropped:
		// Held region overflow. Skip the gap so the stream keeps moving;
		// the record layer resynchronizes and AEAD records that depended
		// on the lost bytes fail individually.
		skipped, recovered, ok := hc.stream.SkipToNextHeld()
		res.missedBytes += uint64(len(payload))
		if ok {
			res.missedBytes += skipped
			hc.records.markDesynchronized()
			data = recovered
		} else {
			res.err = fmt.Errorf("%w: reassembly capacity exceeded", ErrResourceExhausted)
			return res
		}
	case assembly.Duplicate:
		return res
	case assembly.Held:
		return res
	}
	if len(data) == 0 {
		return res
	}

	records, err := hc.records.feed(data)
	if err != nil {
		s.degrade(err)
		res.degraded = !s.notifiedDegraded
		s.notifiedDegraded = true
		res.err = err
		return res
	}

	for i := range records {
		if err := s.processRecord(eng, dir, &records[i], &res); err != nil {
			if errors.Is(err, ErrAuthFailure) {
				// Poisons only this record.
				eng.counters.decodeFails.Add(1)
				if res.err == nil {
					res.err = err
				}
				continue
			}
			s.degrade(err)
			res.degraded = !s.notifiedDegraded
			s.notifiedDegraded = true
			res.err = err
			return res
		}
	}

	if s.phase == PhaseEstablished && !s.notifiedEstablished {
		s.notifiedEstablished = true
		res.established = true
	}
	if s.phase == PhaseDegraded && !s.notifiedDegraded {
		s.notifiedDegraded = true
		res.degraded = true
	}
	if s.phase == PhaseClosed || (s.client.sawFIN && s.server.sawFIN) {
		res.closed = true
	}
	return res
}

// processRecord dispatches one TLS record.
func (s *session) processRecord(eng *Sniffer, dir Direction, rec *record, res *segmentResult) error {
	hc := s.half(dir)

	// TLS 1.3 sessions and post-CCS TLS 1.2 directions carry protected
	// records; everything else is cleartext.
	if hc.encrypted && s.phase != PhaseDegraded {
		return s.processProtectedRecord(eng, dir, rec, res)
	}

	switch rec.contentType {
	case ContentTypeHandshake:
		if s.phase == PhaseDegraded {
			// Still consume for the counters.
			return nil
		}
		if err := hc.hsBuf.append(rec.fragment); err != nil {
			return err
		}
		for {
			msg := hc.hsBuf.next()
			if msg == nil {
				return nil
			}
			if err := s.processHandshakeMsg(eng, dir, msg, res); err != nil {
				return err
			}
		}
	case ContentTypeChangeCipherSpec:
		// TLS 1.3 middlebox-compatibility CCS records are noise.
		if s.suite != nil && s.suite.IsTLS13 {
			return nil
		}
		return s.processChangeCipherSpec(eng, dir)
	case ContentTypeAlert:
		return s.processAlert(eng, rec.fragment, res)
	case ContentTypeApplicationData:
		eng.counters.encryptedPackets.Add(1)
		eng.counters.encryptedBytes.Add(uint64(len(rec.fragment)))
		if s.phase == PhaseDegraded {
			if res.err == nil {
				res.err = fmt.Errorf("%w: %v", ErrSessionDegraded, s.degradedErr)
			}
			return nil
		}
		// Application data before any cipher state: not decryptable.
		if res.err == nil {
			res.err = fmt.Errorf("%w: application data before key establishment", ErrProtocolViolation)
		}
		return nil
	}
	return nil
}

// processHandshakeMsg handles one cleartext handshake message.
func (s *session) processHandshakeMsg(eng *Sniffer, dir Direction, msg *handshakeMsg, res *segmentResult) error {
	switch msg.typ {
	case HandshakeTypeClientHello:
		return s.onClientHello(eng, dir, msg)
	case HandshakeTypeServerHello:
		return s.onServerHello(eng, dir, msg, res)
	case HandshakeTypeCertificate:
		return s.onCertificate(eng, dir, msg)
	case HandshakeTypeServerKeyExchange:
		return s.onServerKeyExchange(eng, msg)
	case HandshakeTypeCertificateRequest:
		if !s.clientAuth {
			s.clientAuth = true
			eng.counters.clientAuthConns.Add(1)
		}
		s.appendTranscript(msg.raw)
		return nil
	case HandshakeTypeServerHelloDone:
		s.appendTranscript(msg.raw)
		return nil
	case HandshakeTypeClientKeyExchange:
		return s.onClientKeyExchange(eng, msg)
	case HandshakeTypeNewSessionTicket:
		return s.onNewSessionTicket12(msg)
	case HandshakeTypeHelloRequest:
		// Not part of the transcript.
		return nil
	default:
		s.appendTranscript(msg.raw)
		return nil
	}
}

func (s *session) onClientHello(eng *Sniffer, dir Direction, msg *handshakeMsg) error {
	if dir != DirectionClientToServer {
		return fmt.Errorf("%w: ClientHello from server direction", ErrProtocolViolation)
	}
	if s.phase != PhaseAwaitClientHello {
		// Renegotiation or restart; track but do not re-key.
		return nil
	}
	ch, err := parseClientHello(msg.body)
	if err != nil {
		return err
	}
	s.hello = ch
	s.sni = ch.serverName
	s.appendTranscript(msg.raw)
	s.phase = PhaseAwaitServerHello
	eng.counters.sessionsSeen.Add(1)
	logger.Debug("client hello",
		"flow", s.key.String(),
		"sni", ch.serverName,
		"suites", len(ch.cipherSuites))
	return nil
}

func (s *session) onServerHello(eng *Sniffer, dir Direction, msg *handshakeMsg, res *segmentResult) error {
	if dir != DirectionServerToClient {
		return fmt.Errorf("%w: ServerHello from client direction", ErrProtocolViolation)
	}
	if s.phase != PhaseAwaitServerHello {
		return nil
	}
	sh, err := parseServerHello(msg.body)
	if err != nil {
		return err
	}
	if sh.helloRetry {
		// Transcript restart with message-hash substitution is not
		// supported; the session is tracked without decryption.
		return fmt.Errorf("%w: HelloRetryRequest", ErrUnsupportedSuite)
	}
	s.srvHello = sh
	s.version = sh.version()

	suite := GetCipherSuiteInfo(sh.suite)
	if suite == nil {
		eng.counters.ciphersUnsupported.Add(1)
		return fmt.Errorf("%w: 0x%04x", ErrUnsupportedSuite, sh.suite)
	}
	if s.version != VersionTLS12 && s.version != VersionTLS13 {
		eng.counters.ciphersUnsupported.Add(1)
		return fmt.Errorf("%w: protocol version 0x%04x", ErrUnsupportedSuite, s.version)
	}
	s.suite = suite
	s.startTranscript(suite.Hash)
	s.appendTranscript(msg.raw)

	if suite.IsTLS13 {
		return s.startTLS13(eng)
	}

	// TLS 1.2 session-ID resumption: a non-empty echoed session ID means
	// the server accepted an abbreviated handshake. The secret may sit
	// under the offered ticket rather than the session ID, since servers
	// that issue tickets echo the client's random ID on resumption.
	if len(sh.sessionID) > 0 && s.hello != nil && bytes.Equal(sh.sessionID, s.hello.sessionID) {
		if len(s.hello.ticket) > 0 {
			if sec := eng.resume.lookup(resumeKindTicket, s.hello.ticket); sec != nil && len(sec.masterSecret) > 0 {
				return s.resumeWith12(eng, sec.masterSecret)
			}
		}
		return s.startResumption12(eng, resumeKindSessionID, sh.sessionID)
	}
	// Ticket resumption: the client offered a ticket; the server's
	// acceptance shows up as a CCS before any ClientKeyExchange, at
	// which point the cached master secret is required.
	if s.hello != nil && len(s.hello.ticket) > 0 {
		if sec := eng.resume.lookup(resumeKindTicket, s.hello.ticket); sec != nil {
			s.resumedSecret = sec
		}
	}
	s.phase = PhaseAwaitKeyExchange
	return nil
}

// startResumption12 completes key setup for an abbreviated handshake.
func (s *session) startResumption12(eng *Sniffer, kind string, id []byte) error {
	sec := eng.resume.lookup(kind, id)
	if sec == nil || len(sec.masterSecret) == 0 {
		eng.counters.resumptionMisses.Add(1)
		return fmt.Errorf("%w: no cached secret for resumed session", ErrKeyUnavailable)
	}
	return s.resumeWith12(eng, sec.masterSecret)
}

func (s *session) resumeWith12(eng *Sniffer, master []byte) error {
	s.resumed = true
	s.masterSecret = append([]byte(nil), master...)
	eng.counters.resumedConns.Add(1)
	if err := s.installKeys12(); err != nil {
		return err
	}
	s.phase = PhaseKeysResolved
	return nil
}

func (s *session) onCertificate(eng *Sniffer, dir Direction, msg *handshakeMsg) error {
	s.appendTranscript(msg.raw)
	if dir == DirectionClientToServer {
		// Client certificate: client authentication in use.
		if !s.clientAuth {
			s.clientAuth = true
			eng.counters.clientAuthConns.Add(1)
		}
		return nil
	}
	cert, err := parseCertificate(msg.body)
	if err != nil {
		return err
	}
	if len(cert.chain) == 0 {
		return nil
	}
	s.certChain = cert.chain
	s.certHash = keystore.CertHash(cert.chain[0])
	s.keySize = leafKeySize(cert.chain[0])
	return nil
}

func (s *session) onServerKeyExchange(eng *Sniffer, msg *handshakeMsg) error {
	s.appendTranscript(msg.raw)
	if s.suite == nil {
		return fmt.Errorf("%w: ServerKeyExchange before ServerHello", ErrProtocolViolation)
	}
	ske, err := parseServerKeyExchange(msg.body, s.suite.Kx)
	if err != nil {
		return err
	}
	s.serverKX = ske
	return nil
}

func (s *session) onClientKeyExchange(eng *Sniffer, msg *handshakeMsg) error {
	if s.suite == nil || s.hello == nil || s.srvHello == nil {
		return fmt.Errorf("%w: ClientKeyExchange before hellos", ErrProtocolViolation)
	}
	// A ClientKeyExchange means the handshake is full, not abbreviated.
	s.resumedSecret = nil

	cke, err := parseClientKeyExchange(msg.body, s.suite.Kx)
	if err != nil {
		return err
	}

	var preMaster []byte
	switch s.suite.Kx {
	case KxRSA:
		key, kerr := s.resolveStaticKey(eng)
		if kerr != nil {
			s.appendTranscript(msg.raw)
			eng.counters.keysUnmatched.Add(1)
			return fmt.Errorf("%w: %v", ErrKeyUnavailable, kerr)
		}
		eng.counters.keyMatches.Add(1)
		preMaster, err = decryptRSAPreMaster(key, cke.encryptedPreMaster)
		if err != nil {
			s.appendTranscript(msg.raw)
			return err
		}
	case KxECDHE, KxDHE:
		if s.serverKX == nil {
			return fmt.Errorf("%w: ClientKeyExchange without ServerKeyExchange", ErrProtocolViolation)
		}
		s.appendTranscript(msg.raw)
		preMaster, err = s.resolvePFSPreMaster(eng, cke.clientPublic)
		if err != nil {
			return err
		}
		if err := s.deriveMaster12(preMaster); err != nil {
			return err
		}
		return s.finishKeySetup12()
	default:
		return fmt.Errorf("%w: key exchange", ErrUnsupportedSuite)
	}

	// Static RSA: the transcript through ClientKeyExchange feeds the
	// extended master secret.
	s.appendTranscript(msg.raw)
	if err := s.deriveMaster12(preMaster); err != nil {
		return err
	}
	wipeBytes(preMaster)
	return s.finishKeySetup12()
}

func (s *session) finishKeySetup12() error {
	if err := s.installKeys12(); err != nil {
		return err
	}
	s.phase = PhaseKeysResolved
	logger.Debug("session keys resolved",
		"flow", s.key.String(),
		"version", VersionName(s.version),
		"suite", s.suite.Name)
	return nil
}

// resolveStaticKey runs the spec resolution order: named scope before
// address scope, then the certificate-hash watch path.
func (s *session) resolveStaticKey(eng *Sniffer) (interface{}, error) {
	rec, err := eng.keys.Resolve(s.key.ServerAddr, s.key.ServerPort, s.sni)
	if err == nil {
		return rec.Key, nil
	}
	if s.certHash != nil {
		wrec, werr := eng.keys.ResolveByCertHash(s.certHash, s.certChain[0])
		if werr == nil {
			return wrec.Key, nil
		}
	}
	return nil, err
}

// resolvePFSPreMaster asks the ephemeral resolver for the exchange's
// secret or private key.
func (s *session) resolvePFSPreMaster(eng *Sniffer, clientPublic []byte) ([]byte, error) {
	km, err := eng.keys.ResolveEphemeral(s.serverKX.group, s.serverKX.serverPublic, clientPublic)
	if err != nil {
		eng.counters.ephemeralMisses.Add(1)
		return nil, fmt.Errorf("%w: ephemeral resolution: %v", ErrKeyUnavailable, err)
	}
	var shared []byte
	if s.serverKX.explicitDH {
		shared, err = explicitDHShared(km, s.serverKX.dhPrime, s.serverKX.serverPublic, clientPublic)
	} else {
		shared, err = ephemeralShared(km, s.serverKX.group, s.serverKX.serverPublic, clientPublic)
	}
	if err != nil {
		eng.counters.ephemeralMisses.Add(1)
		return nil, err
	}
	if s.suite.Kx == KxDHE {
		shared = stripLeadingZeros(shared)
	}
	return shared, nil
}

// deriveMaster12 computes the TLS 1.2 master secret, honoring the
// extended-master-secret extension when both sides offered it.
func (s *session) deriveMaster12(preMaster []byte) error {
	ems := s.hello.extendedMaster && s.srvHello.extendedMaster
	if ems {
		sessionHash := s.transcriptSnapshot()
		s.masterSecret = ExtendedMasterSecret12(s.suite.Hash, preMaster, sessionHash)
	} else {
		s.masterSecret = MasterSecret12(s.suite.Hash, preMaster, s.hello.random, s.srvHello.random)
	}
	return nil
}

// installKeys12 expands the key block and arms both directions.
func (s *session) installKeys12() error {
	km := KeyBlock12(s.masterSecret, s.hello.random, s.srvHello.random, s.suite)
	if err := s.armHalf(&s.client, km.clientKey, km.clientIV, km.clientMACKey); err != nil {
		return err
	}
	return s.armHalf(&s.server, km.serverKey, km.serverIV, km.serverMACKey)
}

// armHalf builds the direction's cipher from its key share.
func (s *session) armHalf(hc *halfConn, key, iv, macKey []byte) error {
	hc.writeKey = key
	hc.writeIV = iv
	hc.macKey = macKey
	hc.seq = 0
	c, err := newSuiteCipher(s.suite, key, iv, macKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedSuite, err)
	}
	hc.cipher = c
	return nil
}

// processChangeCipherSpec arms encryption for the sender's direction.
func (s *session) processChangeCipherSpec(eng *Sniffer, dir Direction) error {
	hc := s.half(dir)

	// Abbreviated-ticket handshake: the server's CCS arrives while the
	// session still awaits a key exchange. The cached master secret
	// satisfies it; with no cache entry the session cannot decrypt.
	if s.phase == PhaseAwaitKeyExchange && dir == DirectionServerToClient && s.suite != nil && !s.suite.IsTLS13 {
		if s.resumedSecret != nil {
			if err := s.resumeWith12(eng, s.resumedSecret.masterSecret); err != nil {
				return err
			}
		} else if s.hello != nil && len(s.hello.ticket) > 0 {
			eng.counters.resumptionMisses.Add(1)
			return fmt.Errorf("%w: server accepted an unknown ticket", ErrKeyUnavailable)
		}
	}

	if s.phase != PhaseKeysResolved && s.phase != PhaseEstablished {
		// CCS without keys: nothing to arm, and nothing ever will be.
		return fmt.Errorf("%w: ChangeCipherSpec before key resolution", ErrKeyUnavailable)
	}
	hc.encrypted = true
	hc.seq = 0
	return nil
}

// processAlert handles a cleartext alert record.
func (s *session) processAlert(eng *Sniffer, fragment []byte, res *segmentResult) error {
	if len(fragment) < 2 {
		return fmt.Errorf("%w: short alert record", ErrProtocolViolation)
	}
	return s.handleAlert(eng, fragment[0], fragment[1], res)
}

func (s *session) handleAlert(eng *Sniffer, level, desc uint8, res *segmentResult) error {
	eng.counters.alerts.Add(1)
	if desc == alertCloseNotify {
		s.onEstablishedTeardown(eng)
		s.phase = PhaseClosed
		res.closed = true
		return nil
	}
	logger.Debug("tls alert", "flow", s.key.String(), "level", level, "description", desc)
	return nil
}

// onEstablishedTeardown records resumption secrets for an ordinarily
// closing TLS 1.2 session.
func (s *session) onEstablishedTeardown(eng *Sniffer) {
	if s.suite == nil || s.suite.IsTLS13 || s.resumed || len(s.masterSecret) == 0 {
		return
	}
	// Inserts normally happen at Established; teardown is a backstop for
	// sessions closed mid-flight.
	s.insertResumptionSecrets(eng)
}

// insertResumptionSecrets publishes this session's master secret for
// later abbreviated handshakes.
func (s *session) insertResumptionSecrets(eng *Sniffer) {
	if len(s.masterSecret) == 0 || s.srvHello == nil {
		return
	}
	n := uint64(0)
	if len(s.srvHello.sessionID) > 0 {
		eng.resume.putMaster(resumeKindSessionID, s.srvHello.sessionID, s.masterSecret, s.suite.ID)
		n++
	}
	if len(s.ticketSeen) > 0 {
		eng.resume.putMaster(resumeKindTicket, s.ticketSeen, s.masterSecret, s.suite.ID)
		n++
	}
	if n > 0 {
		eng.counters.resumptionInserts.Add(n)
	}
}

func (s *session) onNewSessionTicket12(msg *handshakeMsg) error {
	s.appendTranscript(msg.raw)
	st, err := parseNewSessionTicket12(msg.body)
	if err != nil {
		return err
	}
	s.ticketSeen = st.ticket
	return nil
}

// --- transcript -----------------------------------------------------

// startTranscript fixes the hash algorithm and replays messages hashed
// before the ServerHello chose the suite.
func (s *session) startTranscript(alg HashAlgorithm) {
	s.transcriptAlg = alg
	s.transcript = newTranscript(alg)
	for _, raw := range s.pendingTranscript {
		s.transcript.Write(raw)
	}
	s.pendingTranscript = nil
}

func (s *session) appendTranscript(raw []byte) {
	if s.transcript != nil {
		s.transcript.Write(raw)
		return
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	s.pendingTranscript = append(s.pendingTranscript, cp)
}

// transcriptSnapshot returns the hash of everything appended so far.
func (s *session) transcriptSnapshot() []byte {
	if s.transcript == nil {
		return nil
	}
	h := s.transcript.(interface{ Sum([]byte) []byte })
	return h.Sum(nil)
}

// leafKeySize extracts the public key size in bits from leaf DER.
func leafKeySize(der []byte) int {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return 0
	}
	return publicKeySize(cert)
}
