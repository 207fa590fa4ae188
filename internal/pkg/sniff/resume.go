package sniff

import (
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/Velocidex/ttlcache/v2"
)

// resumeCache remembers the secrets abbreviated handshakes reuse: TLS
// 1.2 master secrets keyed by session ID and by ticket, and TLS 1.3 PSKs
// keyed by ticket identity. Entries are TTL- and size-bounded; a miss
// only degrades the one session that needed the entry.
type resumeCache struct {
	cache *ttlcache.Cache

	hits    atomic.Uint64
	misses  atomic.Uint64
	inserts atomic.Uint64
}

// resumedSecret is a cache entry.
type resumedSecret struct {
	// masterSecret for TLS 1.2 entries, psk for TLS 1.3 entries.
	masterSecret []byte
	psk          []byte
	suite        uint16
}

func newResumeCache(ttl time.Duration, maxEntries int) *resumeCache {
	c := ttlcache.NewCache()
	if ttl > 0 {
		_ = c.SetTTL(ttl)
	}
	c.SkipTTLExtensionOnHit(false) // resumption keeps hot entries alive
	if maxEntries > 0 {
		c.SetCacheSizeLimit(maxEntries)
	}
	return &resumeCache{cache: c}
}

func (rc *resumeCache) close() {
	rc.cache.Close()
}

func cacheKey(kind string, id []byte) string {
	return kind + ":" + hex.EncodeToString(id)
}

// putMaster stores a TLS 1.2 master secret under a session ID or ticket.
func (rc *resumeCache) putMaster(kind string, id []byte, masterSecret []byte, suite uint16) {
	if len(id) == 0 || len(masterSecret) == 0 {
		return
	}
	ms := make([]byte, len(masterSecret))
	copy(ms, masterSecret)
	_ = rc.cache.Set(cacheKey(kind, id), &resumedSecret{masterSecret: ms, suite: suite})
	rc.inserts.Add(1)
}

// putPSK stores a TLS 1.3 ticket PSK.
func (rc *resumeCache) putPSK(identity []byte, psk []byte, suite uint16) {
	if len(identity) == 0 || len(psk) == 0 {
		return
	}
	p := make([]byte, len(psk))
	copy(p, psk)
	_ = rc.cache.Set(cacheKey(resumeKindPSK, identity), &resumedSecret{psk: p, suite: suite})
	rc.inserts.Add(1)
}

// lookup fetches an entry, counting the hit or miss.
func (rc *resumeCache) lookup(kind string, id []byte) *resumedSecret {
	if len(id) == 0 {
		rc.misses.Add(1)
		return nil
	}
	v, err := rc.cache.Get(cacheKey(kind, id))
	if err != nil {
		rc.misses.Add(1)
		return nil
	}
	sec, ok := v.(*resumedSecret)
	if !ok {
		rc.misses.Add(1)
		return nil
	}
	rc.hits.Add(1)
	return sec
}

const (
	resumeKindSessionID = "sid"
	resumeKindTicket    = "tkt"
	resumeKindPSK       = "psk"
)
