package sniff

import "sync/atomic"

// Stats is a snapshot of the engine counters. Every counter is monotonic
// between resets and counts qualifying events exactly once.
type Stats struct {
	SessionsSeen       uint64 `json:"sessions_seen"`
	StandardHandshakes uint64 `json:"standard_handshakes"`
	ClientAuthConns    uint64 `json:"client_auth_conns"`
	ResumedConns       uint64 `json:"resumed_conns"`
	ResumptionInserts  uint64 `json:"resumption_inserts"`
	ResumptionMisses   uint64 `json:"resumption_misses"`
	EphemeralMisses    uint64 `json:"ephemeral_misses"`
	CiphersUnsupported uint64 `json:"ciphers_unsupported"`
	KeysUnmatched      uint64 `json:"keys_unmatched"`
	KeyMatches         uint64 `json:"key_matches"`
	KeyLoadFails       uint64 `json:"key_load_fails"`
	DecodeFails        uint64 `json:"decode_fails"`
	Alerts             uint64 `json:"alerts"`
	EncryptedPackets   uint64 `json:"encrypted_packets"`
	EncryptedBytes     uint64 `json:"encrypted_bytes"`
	DecryptedPackets   uint64 `json:"decrypted_packets"`
	DecryptedBytes     uint64 `json:"decrypted_bytes"`
}

// counters holds the live atomic values behind Stats. Field order mirrors
// the snapshot struct.
type counters struct {
	sessionsSeen       atomic.Uint64
	standardHandshakes atomic.Uint64
	clientAuthConns    atomic.Uint64
	resumedConns       atomic.Uint64
	resumptionInserts  atomic.Uint64
	resumptionMisses   atomic.Uint64
	ephemeralMisses    atomic.Uint64
	ciphersUnsupported atomic.Uint64
	keysUnmatched      atomic.Uint64
	keyMatches         atomic.Uint64
	keyLoadFails       atomic.Uint64
	decodeFails        atomic.Uint64
	alerts             atomic.Uint64
	encryptedPackets   atomic.Uint64
	encryptedBytes     atomic.Uint64
	decryptedPackets   atomic.Uint64
	decryptedBytes     atomic.Uint64
}

// read copies the current values without disturbing them.
func (c *counters) read() Stats {
	return Stats{
		SessionsSeen:       c.sessionsSeen.Load(),
		StandardHandshakes: c.standardHandshakes.Load(),
		ClientAuthConns:    c.clientAuthConns.Load(),
		ResumedConns:       c.resumedConns.Load(),
		ResumptionInserts:  c.resumptionInserts.Load(),
		ResumptionMisses:   c.resumptionMisses.Load(),
		EphemeralMisses:    c.ephemeralMisses.Load(),
		CiphersUnsupported: c.ciphersUnsupported.Load(),
		KeysUnmatched:      c.keysUnmatched.Load(),
		KeyMatches:         c.keyMatches.Load(),
		KeyLoadFails:       c.keyLoadFails.Load(),
		DecodeFails:        c.decodeFails.Load(),
		Alerts:             c.alerts.Load(),
		EncryptedPackets:   c.encryptedPackets.Load(),
		EncryptedBytes:     c.encryptedBytes.Load(),
		DecryptedPackets:   c.decryptedPackets.Load(),
		DecryptedBytes:     c.decryptedBytes.Load(),
	}
}

// readAndReset swaps every counter to zero and returns the values that
// were accumulated. Each counter's swap is atomic, so no concurrent
// increment is lost or double-counted.
func (c *counters) readAndReset() Stats {
	return Stats{
		SessionsSeen:       c.sessionsSeen.Swap(0),
		StandardHandshakes: c.standardHandshakes.Swap(0),
		ClientAuthConns:    c.clientAuthConns.Swap(0),
		ResumedConns:       c.resumedConns.Swap(0),
		ResumptionInserts:  c.resumptionInserts.Swap(0),
		ResumptionMisses:   c.resumptionMisses.Swap(0),
		EphemeralMisses:    c.ephemeralMisses.Swap(0),
		CiphersUnsupported: c.ciphersUnsupported.Swap(0),
		KeysUnmatched:      c.keysUnmatched.Swap(0),
		KeyMatches:         c.keyMatches.Swap(0),
		KeyLoadFails:       c.keyLoadFails.Swap(0),
		DecodeFails:        c.decodeFails.Swap(0),
		Alerts:             c.alerts.Swap(0),
		EncryptedPackets:   c.encryptedPackets.Swap(0),
		EncryptedBytes:     c.encryptedBytes.Swap(0),
		DecryptedPackets:   c.decryptedPackets.Swap(0),
		DecryptedBytes:     c.decryptedBytes.Swap(0),
	}
}

// reset discards the accumulated values.
func (c *counters) reset() {
	c.readAndReset()
}

// SessionStats is a snapshot of session table occupancy and memory use.
type SessionStats struct {
	Active           int    `json:"active"`
	Total            uint64 `json:"total"`
	Peak             int    `json:"peak"`
	MaxSessions      int    `json:"max_sessions"`
	MissedData       uint64 `json:"missed_data"`
	ReassemblyMemory int64  `json:"reassembly_memory"`
	Evicted          uint64 `json:"evicted"`
}
