package sniff

import (
	"fmt"
	"sync"

	"github.com/cconlon/tlstap/internal/pkg/logger"
)

// recoveryState gates memory-pressure eviction. When disabled, a full
// session table or overflowing reassembly region fails the offending
// packet instead of evicting anyone.
type recoveryState struct {
	mu        sync.Mutex
	enabled   bool
	maxMemory int64

	// sweepMu serializes eviction sweeps apart from config updates.
	sweepMu sync.Mutex
}

// EnableRecovery turns on session eviction under memory pressure.
// maxMemory bounds the total reassembly and buffering footprint in
// bytes; 0 means no memory ceiling (eviction then triggers only on
// session-count pressure). Negative maxMemory is a configuration error
// reported synchronously.
func (eng *Sniffer) EnableRecovery(maxMemory int64) error {
	if maxMemory < 0 {
		return fmt.Errorf("%w: negative memory ceiling %d", ErrBadInput, maxMemory)
	}
	eng.recovery.mu.Lock()
	eng.recovery.enabled = true
	eng.recovery.maxMemory = maxMemory
	eng.recovery.mu.Unlock()
	logger.Info("session recovery enabled", "max_memory", maxMemory)
	return nil
}

// DisableRecovery returns to strict failure on resource exhaustion.
func (eng *Sniffer) DisableRecovery() {
	eng.recovery.mu.Lock()
	eng.recovery.enabled = false
	eng.recovery.mu.Unlock()
}

// recoveryEnabled reports whether eviction may run.
func (eng *Sniffer) recoveryEnabled() bool {
	eng.recovery.mu.Lock()
	defer eng.recovery.mu.Unlock()
	return eng.recovery.enabled
}

// evictBatchSize targets a meaningful dent per sweep without stalling
// the decode path on a huge sort.
func (eng *Sniffer) evictBatchSize() int {
	n := int(eng.table.active.Load()) / 16
	if n < 1 {
		n = 1
	}
	return n
}

// maybeRecover runs one eviction sweep if the memory ceiling is
// exceeded. Sweeps are serialized; decode goroutines that lose the race
// skip the sweep rather than queue behind it.
func (eng *Sniffer) maybeRecover() {
	eng.recovery.mu.Lock()
	enabled, ceiling := eng.recovery.enabled, eng.recovery.maxMemory
	eng.recovery.mu.Unlock()
	if !enabled || ceiling == 0 {
		return
	}
	if eng.table.memory.Load() <= ceiling {
		return
	}
	if !eng.recovery.sweepMu.TryLock() {
		return
	}
	defer eng.recovery.sweepMu.Unlock()
	for eng.table.memory.Load() > ceiling {
		if eng.table.evictOldest(eng.evictBatchSize()) == 0 {
			return
		}
	}
}

// recoverForCreate frees table slots for a new session. Returns true
// when a retry is worthwhile.
func (eng *Sniffer) recoverForCreate() bool {
	if !eng.recoveryEnabled() {
		return false
	}
	return eng.table.evictOldest(eng.evictBatchSize()) > 0
}
