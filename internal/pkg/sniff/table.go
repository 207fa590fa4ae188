package sniff

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cconlon/tlstap/internal/pkg/assembly"
	"github.com/cconlon/tlstap/internal/pkg/logger"
)

const sessionShards = 64

// tableShard holds one slice of the session map. Sessions are indexed
// under their creation key; lookups try both orientations of a flow.
type tableShard struct {
	mu       sync.RWMutex
	sessions map[FlowKey]*session
}

// sessionTable is the sharded registry of live sessions. Shard selection
// is orientation-independent so both directions of a flow land in the
// same shard.
type sessionTable struct {
	shards      [sessionShards]tableShard
	maxSessions int
	reasmCfg    assembly.Config

	active  atomic.Int64
	total   atomic.Uint64
	peak    atomic.Int64
	evicted atomic.Uint64
	missed  atomic.Uint64

	// memory is the summed accounted footprint of every live session.
	memory atomic.Int64
}

func newSessionTable(maxSessions int, reasmCfg assembly.Config) *sessionTable {
	t := &sessionTable{
		maxSessions: maxSessions,
		reasmCfg:    reasmCfg,
	}
	for i := range t.shards {
		t.shards[i].sessions = make(map[FlowKey]*session)
	}
	return t
}

// shardIndex hashes the flow's endpoints in address order, so a packet
// and its reply select the same shard.
func shardIndex(k FlowKey) uint32 {
	a := k.ClientAddr.As16()
	b := k.ServerAddr.As16()
	ap, bp := k.ClientPort, k.ServerPort
	// Order the endpoints so both orientations hash identically.
	swap := false
	for i := 0; i < 16; i++ {
		if a[i] != b[i] {
			swap = a[i] > b[i]
			break
		}
	}
	if a == b {
		swap = ap > bp
	}
	if swap {
		a, b = b, a
		ap, bp = bp, ap
	}
	h := fnv.New32a()
	h.Write(a[:])
	h.Write(b[:])
	h.Write([]byte{byte(ap >> 8), byte(ap), byte(bp >> 8), byte(bp)})
	return h.Sum32() % sessionShards
}

func (t *sessionTable) shardFor(k FlowKey) *tableShard {
	return &t.shards[shardIndex(k)]
}

// lookup finds the session for a packet keyed src-first and reports
// which direction the packet travels relative to the session's client.
func (t *sessionTable) lookup(k FlowKey) (*session, Direction, bool) {
	sh := t.shardFor(k)
	sh.mu.RLock()
	s, ok := sh.sessions[k]
	if !ok {
		s, ok = sh.sessions[k.reversed()]
	}
	sh.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	if k == s.key {
		return s, DirectionClientToServer, true
	}
	return s, DirectionServerToClient, true
}

// create inserts a new session for key (client-first orientation). It
// fails when the table is at capacity; the caller decides whether to
// evict and retry.
func (t *sessionTable) create(key FlowKey, now time.Time) (*session, error) {
	// Reserve a slot up front so concurrent creates cannot overshoot the
	// ceiling; the reservation is returned if the flow already exists.
	var active int64
	for {
		n := t.active.Load()
		if t.maxSessions > 0 && int(n) >= t.maxSessions {
			return nil, fmt.Errorf("%w: session table full (%d)", ErrResourceExhausted, t.maxSessions)
		}
		if t.active.CompareAndSwap(n, n+1) {
			active = n + 1
			break
		}
	}

	sh := t.shardFor(key)
	sh.mu.Lock()
	if s, ok := sh.sessions[key]; ok {
		sh.mu.Unlock()
		t.active.Add(-1)
		return s, nil
	}
	if s, ok := sh.sessions[key.reversed()]; ok {
		sh.mu.Unlock()
		t.active.Add(-1)
		return s, nil
	}
	s := newSession(key, t.reasmCfg, now)
	s.seqno = t.total.Add(1)
	sh.sessions[key] = s
	sh.mu.Unlock()

	for {
		peak := t.peak.Load()
		if active <= peak || t.peak.CompareAndSwap(peak, active) {
			break
		}
	}
	return s, nil
}

// remove deletes the session and returns its freed memory accounting.
func (t *sessionTable) remove(s *session) {
	sh := t.shardFor(s.tableKey)
	sh.mu.Lock()
	_, ok := sh.sessions[s.tableKey]
	if ok {
		delete(sh.sessions, s.tableKey)
	}
	sh.mu.Unlock()
	if !ok {
		return
	}
	t.active.Add(-1)

	s.mu.Lock()
	s.removed = true
	t.memory.Add(-s.accountedMemory)
	s.accountedMemory = 0
	s.free()
	s.mu.Unlock()
}

// forEach visits every live session without holding any shard lock
// during fn.
func (t *sessionTable) forEach(fn func(*session)) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		batch := make([]*session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			batch = append(batch, s)
		}
		sh.mu.RUnlock()
		for _, s := range batch {
			fn(s)
		}
	}
}

// evictOldest removes up to n sessions, least recently active first,
// creation order breaking ties. Returns the number removed.
func (t *sessionTable) evictOldest(n int) int {
	if n <= 0 {
		return 0
	}
	type candidate struct {
		s    *session
		last int64
	}
	var cands []candidate
	t.forEach(func(s *session) {
		cands = append(cands, candidate{s: s, last: s.lastActivityNanos.Load()})
	})
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].last != cands[j].last {
			return cands[i].last < cands[j].last
		}
		return cands[i].s.seqno < cands[j].s.seqno
	})
	if n > len(cands) {
		n = len(cands)
	}
	for _, c := range cands[:n] {
		t.remove(c.s)
	}
	if n > 0 {
		t.evicted.Add(uint64(n))
		logger.Debug("sessions evicted", "count", n, "active", t.active.Load())
	}
	return n
}

// sweep removes closed and idle sessions. Zero idleTimeout disables the
// idle check.
func (t *sessionTable) sweep(idleTimeout time.Duration, now time.Time) int {
	cutoff := int64(0)
	if idleTimeout > 0 {
		cutoff = now.Add(-idleTimeout).UnixNano()
	}
	removed := 0
	t.forEach(func(s *session) {
		s.mu.Lock()
		expired := s.phase == PhaseClosed
		s.mu.Unlock()
		if !expired && cutoff != 0 && s.lastActivityNanos.Load() < cutoff {
			expired = true
		}
		if expired {
			t.remove(s)
			removed++
		}
	})
	return removed
}

// stats snapshots occupancy for SessionStats.
func (t *sessionTable) stats() SessionStats {
	return SessionStats{
		Active:           int(t.active.Load()),
		Total:            t.total.Load(),
		Peak:             int(t.peak.Load()),
		MaxSessions:      t.maxSessions,
		MissedData:       t.missed.Load(),
		ReassemblyMemory: t.memory.Load(),
		Evicted:          t.evicted.Load(),
	}
}
