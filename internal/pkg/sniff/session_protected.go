package sniff

import (
	"errors"
	"fmt"

	"github.com/cconlon/tlstap/internal/pkg/keystore"
	"github.com/cconlon/tlstap/internal/pkg/logger"
	"github.com/cconlon/tlstap/internal/pkg/sniff/ciphers"
)

// processProtectedRecord opens one record under the direction's active
// keys and dispatches its content. A failed tag or MAC poisons only this
// record; the caller keeps the session alive for later records.
func (s *session) processProtectedRecord(eng *Sniffer, dir Direction, rec *record, res *segmentResult) error {
	hc := s.half(dir)

	if s.suite.IsTLS13 {
		switch rec.contentType {
		case ContentTypeChangeCipherSpec:
			// Middlebox-compatibility record.
			return nil
		case ContentTypeAlert:
			// A peer that fails before installing keys alerts in the
			// clear; a real protected alert arrives as application data.
			if len(rec.fragment) == 2 {
				return s.handleAlert(eng, rec.fragment[0], rec.fragment[1], res)
			}
			return fmt.Errorf("%w: unprotected alert of length %d", ErrProtocolViolation, len(rec.fragment))
		case ContentTypeApplicationData:
		default:
			return fmt.Errorf("%w: cleartext record type %d after key activation", ErrProtocolViolation, rec.contentType)
		}
	}

	eng.counters.encryptedPackets.Add(1)
	eng.counters.encryptedBytes.Add(uint64(len(rec.fragment)))

	var (
		plain     []byte
		innerType uint8
		err       error
	)
	if s.suite.IsTLS13 {
		plain, innerType, err = s.openRecord13(hc, rec)
	} else {
		plain, innerType, err = s.openRecord12(hc, rec)
	}
	// The record consumed its sequence number whether or not it opened.
	hc.seq++
	if err != nil {
		if errors.Is(err, ciphers.ErrAuthFailed) {
			return fmt.Errorf("%w: %v", ErrAuthFailure, err)
		}
		return err
	}

	switch innerType {
	case ContentTypeHandshake:
		if err := hc.hsBuf.append(plain); err != nil {
			return err
		}
		for {
			msg := hc.hsBuf.next()
			if msg == nil {
				return nil
			}
			var err error
			if s.suite.IsTLS13 {
				err = s.processHandshakeMsg13(eng, dir, msg)
			} else {
				err = s.processEncryptedHandshakeMsg12(eng, dir, msg)
			}
			if err != nil {
				return err
			}
		}
	case ContentTypeAlert:
		if len(plain) < 2 {
			return fmt.Errorf("%w: short alert", ErrProtocolViolation)
		}
		return s.handleAlert(eng, plain[0], plain[1], res)
	case ContentTypeApplicationData:
		eng.counters.decryptedPackets.Add(1)
		eng.counters.decryptedBytes.Add(uint64(len(plain)))
		res.plaintext = append(res.plaintext, plain...)
		res.deliveries = append(res.deliveries, sinkDelivery{
			dir:    dir,
			data:   plain,
			offset: hc.appOffset,
		})
		hc.appOffset += uint64(len(plain))
		return nil
	case ContentTypeChangeCipherSpec:
		return nil
	}
	return fmt.Errorf("%w: record type %d", ErrProtocolViolation, innerType)
}

// openRecord12 decrypts a TLS 1.2 record fragment. The returned content
// type is the record's own; TLS 1.2 does not hide it.
func (s *session) openRecord12(hc *halfConn, rec *record) ([]byte, uint8, error) {
	c := hc.cipher
	if c == nil {
		return nil, 0, fmt.Errorf("%w: no cipher state", ErrKeyUnavailable)
	}

	if c.IsAEAD() {
		if c.NonceSize() == 8 {
			// GCM: explicit nonce leads the fragment.
			if len(rec.fragment) < 8+c.Overhead() {
				return nil, 0, fmt.Errorf("%w: AEAD record too short", ErrProtocolViolation)
			}
			nonce := rec.fragment[:8]
			ct := rec.fragment[8:]
			aad := additionalData12(hc.seq, rec.contentType, rec.version, len(ct)-c.Overhead())
			plain, err := c.Decrypt(ct, nonce, aad)
			return plain, rec.contentType, err
		}
		// ChaCha20-Poly1305: nonce derived from IV and sequence number.
		if len(rec.fragment) < c.Overhead() {
			return nil, 0, fmt.Errorf("%w: AEAD record too short", ErrProtocolViolation)
		}
		nonce := chachaNonce12(hc.writeIV, hc.seq)
		aad := additionalData12(hc.seq, rec.contentType, rec.version, len(rec.fragment)-c.Overhead())
		plain, err := c.Decrypt(rec.fragment, nonce, aad)
		return plain, rec.contentType, err
	}

	// CBC with explicit IV. The MAC pseudo-header omits the length; the
	// cipher appends it after depadding.
	ivLen := c.NonceSize()
	if len(rec.fragment) < ivLen {
		return nil, 0, fmt.Errorf("%w: CBC record shorter than its IV", ErrProtocolViolation)
	}
	iv := rec.fragment[:ivLen]
	ct := rec.fragment[ivLen:]
	aad := additionalData12(hc.seq, rec.contentType, rec.version, 0)[:11]
	plain, err := c.Decrypt(ct, iv, aad)
	return plain, rec.contentType, err
}

// openRecord13 decrypts a protected TLS 1.3 record and recovers the
// inner content type from behind the zero padding.
func (s *session) openRecord13(hc *halfConn, rec *record) ([]byte, uint8, error) {
	c := hc.cipher
	if c == nil {
		return nil, 0, fmt.Errorf("%w: no cipher state", ErrKeyUnavailable)
	}
	if len(rec.fragment) < c.Overhead() {
		return nil, 0, fmt.Errorf("%w: protected record too short", ErrProtocolViolation)
	}
	nonce := nonce13(hc.writeIV, hc.seq)
	aad := additionalData13(len(rec.fragment))
	inner, err := c.Decrypt(rec.fragment, nonce, aad)
	if err != nil {
		return nil, 0, err
	}
	i := len(inner) - 1
	for i >= 0 && inner[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, 0, fmt.Errorf("%w: protected record of only padding", ErrProtocolViolation)
	}
	return inner[:i], inner[i], nil
}

// processEncryptedHandshakeMsg12 handles post-CCS TLS 1.2 handshake
// content, which is the Finished exchange.
func (s *session) processEncryptedHandshakeMsg12(eng *Sniffer, dir Direction, msg *handshakeMsg) error {
	s.appendTranscript(msg.raw)
	if msg.typ != HandshakeTypeFinished {
		return nil
	}
	if dir == DirectionClientToServer {
		s.clientFinished = true
	} else {
		s.serverFinished = true
	}
	if s.clientFinished && s.serverFinished {
		s.phase = PhaseEstablished
		if !s.resumed {
			eng.counters.standardHandshakes.Add(1)
		}
		// Covers fresh tickets issued during abbreviated handshakes too.
		s.insertResumptionSecrets(eng)
		logger.Debug("session established",
			"flow", s.key.String(),
			"version", VersionName(s.version),
			"suite", s.suite.Name,
			"resumed", s.resumed)
	}
	return nil
}

// startTLS13 runs the key schedule through the handshake traffic keys
// once the ServerHello fixes the suite and key share.
func (s *session) startTLS13(eng *Sniffer) error {
	ch, sh := s.hello, s.srvHello
	if ch == nil {
		return fmt.Errorf("%w: ServerHello without ClientHello", ErrProtocolViolation)
	}
	s.schedule = newSchedule13(s.suite.Hash)

	var psk []byte
	if sh.pskSelected {
		idx := int(sh.pskIdentity)
		if idx >= len(ch.pskIdentities) {
			return fmt.Errorf("%w: selected PSK identity %d out of range", ErrProtocolViolation, idx)
		}
		sec := eng.resume.lookup(resumeKindPSK, ch.pskIdentities[idx])
		if sec == nil || len(sec.psk) == 0 {
			eng.counters.resumptionMisses.Add(1)
			return fmt.Errorf("%w: no cached PSK for selected identity", ErrKeyUnavailable)
		}
		psk = sec.psk
		s.resumed = true
		eng.counters.resumedConns.Add(1)
	}
	s.schedule.deriveEarly(psk)

	var shared []byte
	if sh.keyShare != nil {
		var clientPub []byte
		for _, ks := range ch.keyShares {
			if ks.group == sh.keyShare.group {
				clientPub = ks.public
				break
			}
		}
		if clientPub == nil {
			return fmt.Errorf("%w: no client key share for group 0x%04x", ErrProtocolViolation, sh.keyShare.group)
		}
		km, err := eng.keys.ResolveEphemeral(sh.keyShare.group, sh.keyShare.public, clientPub)
		if err != nil {
			eng.counters.ephemeralMisses.Add(1)
			return fmt.Errorf("%w: ephemeral resolution: %v", ErrKeyUnavailable, err)
		}
		shared, err = ephemeralShared(km, sh.keyShare.group, sh.keyShare.public, clientPub)
		if err != nil {
			eng.counters.ephemeralMisses.Add(1)
			return err
		}
		eng.counters.keyMatches.Add(1)
	} else if !sh.pskSelected {
		return fmt.Errorf("%w: ServerHello with neither key share nor PSK", ErrProtocolViolation)
	} else {
		// psk_ke: no key share contribution.
		shared = make([]byte, hashSize(s.suite.Hash))
	}
	s.schedule.deriveHandshake(shared)
	s.schedule.deriveHandshakeTraffic(s.transcriptSnapshot())

	if err := s.armHalf13(&s.client, s.schedule.clientHSTraffic); err != nil {
		return err
	}
	if err := s.armHalf13(&s.server, s.schedule.serverHSTraffic); err != nil {
		return err
	}
	s.phase = PhaseKeysResolved
	logger.Debug("session keys resolved",
		"flow", s.key.String(),
		"version", VersionName(s.version),
		"suite", s.suite.Name,
		"resumed", s.resumed)
	return nil
}

// armHalf13 installs a traffic secret on one direction.
func (s *session) armHalf13(hc *halfConn, secret []byte) error {
	key, iv := trafficKeys13(s.suite.Hash, secret, s.suite)
	if err := s.armHalf(hc, key, iv, nil); err != nil {
		return err
	}
	hc.trafficSecret = append(hc.trafficSecret[:0], secret...)
	hc.encrypted = true
	return nil
}

// processHandshakeMsg13 handles decrypted TLS 1.3 handshake messages.
func (s *session) processHandshakeMsg13(eng *Sniffer, dir Direction, msg *handshakeMsg) error {
	switch msg.typ {
	case HandshakeTypeEncryptedExtensions, HandshakeTypeCertificateVerify:
		s.appendTranscript(msg.raw)
		return nil

	case HandshakeTypeCertificateRequest:
		s.appendTranscript(msg.raw)
		if !s.clientAuth {
			s.clientAuth = true
			eng.counters.clientAuthConns.Add(1)
		}
		return nil

	case HandshakeTypeCertificate:
		s.appendTranscript(msg.raw)
		cert, err := parseCertificate13(msg.body)
		if err != nil {
			return err
		}
		if len(cert.chain) == 0 {
			return nil
		}
		if dir == DirectionServerToClient {
			s.certChain = cert.chain
			s.certHash = keystore.CertHash(cert.chain[0])
			s.keySize = leafKeySize(cert.chain[0])
		} else if !s.clientAuth {
			s.clientAuth = true
			eng.counters.clientAuthConns.Add(1)
		}
		return nil

	case HandshakeTypeFinished:
		s.appendTranscript(msg.raw)
		if dir == DirectionServerToClient {
			s.serverFinished = true
			s.schedule.deriveMaster()
			s.schedule.deriveAppTraffic(s.transcriptSnapshot())
			// The server switches to application keys immediately; the
			// client's handshake keys stay live through its Finished.
			return s.armHalf13(&s.server, s.schedule.serverAppTraffic)
		}
		s.clientFinished = true
		s.schedule.deriveResumption(s.transcriptSnapshot())
		if err := s.armHalf13(&s.client, s.schedule.clientAppTraffic); err != nil {
			return err
		}
		s.phase = PhaseEstablished
		if !s.resumed {
			eng.counters.standardHandshakes.Add(1)
		}
		logger.Debug("session established",
			"flow", s.key.String(),
			"version", VersionName(s.version),
			"suite", s.suite.Name,
			"resumed", s.resumed)
		return nil

	case HandshakeTypeNewSessionTicket:
		// Post-handshake; not part of any transcript.
		st, err := parseNewSessionTicket13(msg.body)
		if err != nil {
			return err
		}
		if len(s.schedule.resumptionMaster) == 0 {
			return fmt.Errorf("%w: NewSessionTicket before client Finished", ErrProtocolViolation)
		}
		psk := ticketPSK(s.suite.Hash, s.schedule.resumptionMaster, st.nonce)
		eng.resume.putPSK(st.ticket, psk, s.suite.ID)
		eng.counters.resumptionInserts.Add(1)
		return nil

	case HandshakeTypeKeyUpdate:
		hc := s.half(dir)
		next := updateTrafficSecret(s.suite.Hash, hc.trafficSecret)
		return s.armHalf13(hc, next)

	case HandshakeTypeEndOfEarlyData:
		// Early data itself is never decrypted; the marker just joins
		// the transcript.
		s.appendTranscript(msg.raw)
		return nil
	}
	s.appendTranscript(msg.raw)
	return nil
}
