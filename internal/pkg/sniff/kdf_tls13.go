package sniff

import (
	"crypto/hmac"
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/hkdf"
)

// TLS 1.3 key schedule (RFC 8446 §7.1). The engine follows the schedule
// from the observed handshake: the (EC)DHE shared secret or resolved PSK
// feeds HKDF-Extract stages, transcript hashes feed Derive-Secret, and
// traffic secrets expand into per-direction keys and IVs.

const (
	labelDerived     = "derived"
	labelClientHS    = "c hs traffic"
	labelServerHS    = "s hs traffic"
	labelClientApp   = "c ap traffic"
	labelServerApp   = "s ap traffic"
	labelExporter    = "exp master"
	labelResumption  = "res master"
	labelResBinder   = "res binder"
	labelExtBinder   = "ext binder"
	labelFinished    = "finished"
	labelKey         = "key"
	labelIV          = "iv"
	labelTrafficUpd  = "traffic upd"
	labelTicketPSK   = "resumption"
	labelEarlyClient = "c e traffic"
)

// hkdfExtract is HKDF-Extract; a nil salt means a zero string of hash
// length.
func hkdfExtract(alg HashAlgorithm, salt, ikm []byte) []byte {
	if len(salt) == 0 {
		salt = make([]byte, hashSize(alg))
	}
	mac := hmac.New(hashFunc(alg), salt)
	mac.Write(ikm)
	return mac.Sum(nil)
}

// hkdfExpandLabel is HKDF-Expand with the TLS 1.3 HkdfLabel structure:
// length (2) || "tls13 "+label (length-prefixed) || context
// (length-prefixed).
func hkdfExpandLabel(alg HashAlgorithm, secret []byte, label string, context []byte, length int) []byte {
	full := "tls13 " + label
	info := make([]byte, 0, 2+1+len(full)+1+len(context))
	info = binary.BigEndian.AppendUint16(info, uint16(length))
	info = append(info, byte(len(full)))
	info = append(info, full...)
	info = append(info, byte(len(context)))
	info = append(info, context...)

	out := make([]byte, length)
	r := hkdf.Expand(hashFunc(alg), secret, info)
	_, _ = r.Read(out)
	return out
}

// deriveSecret is Derive-Secret: HKDF-Expand-Label over a transcript
// hash, at hash length.
func deriveSecret(alg HashAlgorithm, secret []byte, label string, transcriptHash []byte) []byte {
	return hkdfExpandLabel(alg, secret, label, transcriptHash, hashSize(alg))
}

func emptyHash(alg HashAlgorithm) []byte {
	h := hashFunc(alg)()
	return h.Sum(nil)
}

// schedule13 carries the TLS 1.3 secrets as the handshake advances.
type schedule13 struct {
	alg HashAlgorithm

	earlySecret     []byte
	handshakeSecret []byte
	masterSecret    []byte

	clientHSTraffic  []byte
	serverHSTraffic  []byte
	clientAppTraffic []byte
	serverAppTraffic []byte
	resumptionMaster []byte
}

func newSchedule13(alg HashAlgorithm) *schedule13 {
	return &schedule13{alg: alg}
}

// deriveEarly computes the early secret; psk nil means the zero PSK of a
// full handshake.
func (s *schedule13) deriveEarly(psk []byte) {
	if psk == nil {
		psk = make([]byte, hashSize(s.alg))
	}
	s.earlySecret = hkdfExtract(s.alg, nil, psk)
}

// deriveHandshake folds in the (EC)DHE shared secret.
func (s *schedule13) deriveHandshake(sharedSecret []byte) {
	salt := deriveSecret(s.alg, s.earlySecret, labelDerived, emptyHash(s.alg))
	s.handshakeSecret = hkdfExtract(s.alg, salt, sharedSecret)
}

// deriveHandshakeTraffic derives both handshake traffic secrets from the
// transcript hash through ServerHello.
func (s *schedule13) deriveHandshakeTraffic(transcriptHash []byte) {
	s.clientHSTraffic = deriveSecret(s.alg, s.handshakeSecret, labelClientHS, transcriptHash)
	s.serverHSTraffic = deriveSecret(s.alg, s.handshakeSecret, labelServerHS, transcriptHash)
}

func (s *schedule13) deriveMaster() {
	salt := deriveSecret(s.alg, s.handshakeSecret, labelDerived, emptyHash(s.alg))
	s.masterSecret = hkdfExtract(s.alg, salt, make([]byte, hashSize(s.alg)))
}

// deriveAppTraffic derives both application traffic secrets from the
// transcript hash through the server Finished.
func (s *schedule13) deriveAppTraffic(transcriptHash []byte) {
	s.clientAppTraffic = deriveSecret(s.alg, s.masterSecret, labelClientApp, transcriptHash)
	s.serverAppTraffic = deriveSecret(s.alg, s.masterSecret, labelServerApp, transcriptHash)
}

// deriveResumption derives the resumption master secret from the
// transcript hash through the client Finished.
func (s *schedule13) deriveResumption(transcriptHash []byte) {
	s.resumptionMaster = deriveSecret(s.alg, s.masterSecret, labelResumption, transcriptHash)
}

// ticketPSK derives the PSK a NewSessionTicket names (RFC 8446 §4.6.1):
// HKDF-Expand-Label(resumption_master, "resumption", ticket_nonce).
func ticketPSK(alg HashAlgorithm, resumptionMaster, ticketNonce []byte) []byte {
	return hkdfExpandLabel(alg, resumptionMaster, labelTicketPSK, ticketNonce, hashSize(alg))
}

// trafficKeys13 expands a traffic secret into its key and IV.
func trafficKeys13(alg HashAlgorithm, trafficSecret []byte, suite *CipherSuiteInfo) (key, iv []byte) {
	key = hkdfExpandLabel(alg, trafficSecret, labelKey, nil, suite.KeyLen)
	iv = hkdfExpandLabel(alg, trafficSecret, labelIV, nil, suite.IVLen)
	return key, iv
}

// updateTrafficSecret advances a traffic secret across a KeyUpdate.
func updateTrafficSecret(alg HashAlgorithm, current []byte) []byte {
	return hkdfExpandLabel(alg, current, labelTrafficUpd, nil, hashSize(alg))
}

// finishedKey and verify data support Finished validation in tests.
func finishedKey(alg HashAlgorithm, baseSecret []byte) []byte {
	return hkdfExpandLabel(alg, baseSecret, labelFinished, nil, hashSize(alg))
}

func finishedVerifyData(alg HashAlgorithm, key, transcriptHash []byte) []byte {
	mac := hmac.New(hashFunc(alg), key)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}

// nonce13 is write IV XOR the right-aligned sequence number.
func nonce13(writeIV []byte, seq uint64) []byte {
	nonce := make([]byte, len(writeIV))
	copy(nonce, writeIV)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-8+i] ^= s[i]
	}
	return nonce
}

// additionalData13 is the protected record header: opaque type 23,
// legacy version 0x0303, ciphertext length.
func additionalData13(ciphertextLen int) []byte {
	ad := make([]byte, 5)
	ad[0] = ContentTypeApplicationData
	ad[1] = 0x03
	ad[2] = 0x03
	binary.BigEndian.PutUint16(ad[3:5], uint16(ciphertextLen))
	return ad
}

// transcriptHash hashes handshake messages for Derive-Secret callers.
func transcriptHash(alg HashAlgorithm, messages ...[]byte) []byte {
	h := hashFunc(alg)()
	for _, m := range messages {
		h.Write(m)
	}
	return h.Sum(nil)
}

// newTranscript returns a running transcript hash.
func newTranscript(alg HashAlgorithm) hash.Hash {
	return hashFunc(alg)()
}
