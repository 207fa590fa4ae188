// Package sniff decrypts passively captured TLS traffic. The engine
// consumes raw packets, reassembles each connection's TCP streams,
// follows the handshake, resolves server keys out of band, and returns
// the application plaintext packet by packet.
package sniff

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cconlon/tlstap/internal/pkg/assembly"
	"github.com/cconlon/tlstap/internal/pkg/keystore"
	"github.com/cconlon/tlstap/internal/pkg/logger"
)

// DataSink receives decrypted application bytes as they become
// available. offset is the cumulative count of plaintext bytes already
// delivered for that direction, so sinks can reassemble or seek.
// Callbacks run on the decoding goroutine; sinks must not call back into
// the engine.
type DataSink interface {
	OnData(id uuid.UUID, dir Direction, data []byte, offset uint64)
}

// ConnectionObserver is notified once per session when its handshake
// resolves (StateNegotiated) or permanently fails (StateFailed).
type ConnectionObserver interface {
	OnConnection(info *SessionInfo)
}

// Config tunes a Sniffer. The zero value works.
type Config struct {
	// Reassembly bounds each direction's out-of-order buffer.
	Reassembly assembly.Config

	// MaxSessions caps the live session table. 0 means DefaultMaxSessions.
	MaxSessions int

	// SessionIdleTimeout retires sessions with no traffic. 0 means
	// DefaultIdleTimeout; negative disables idle sweeping.
	SessionIdleTimeout time.Duration

	// CleanupInterval is the janitor period. 0 means DefaultCleanupInterval.
	CleanupInterval time.Duration

	// ResumptionTTL bounds how long cached session secrets stay usable.
	// 0 means DefaultResumptionTTL.
	ResumptionTTL time.Duration

	// ResumptionMaxEntries caps the resumption cache. 0 means
	// DefaultResumptionEntries.
	ResumptionMaxEntries int

	// DataSink, when set, streams decrypted bytes per direction.
	DataSink DataSink

	// ConnectionObserver, when set, is told about handshake outcomes.
	ConnectionObserver ConnectionObserver
}

// Defaults for the zero Config.
const (
	DefaultMaxSessions       = 100000
	DefaultIdleTimeout       = 10 * time.Minute
	DefaultCleanupInterval   = 30 * time.Second
	DefaultResumptionTTL     = 12 * time.Hour
	DefaultResumptionEntries = 65536
)

// Sniffer is the decryption engine. All methods are safe for concurrent
// use; packets for the same connection are serialized internally.
type Sniffer struct {
	cfg      Config
	keys     *keystore.Store
	resume   *resumeCache
	table    *sessionTable
	counters counters
	recovery recoveryState

	closed       atomic.Bool
	shutdownOnce sync.Once
	done         chan struct{}
	janitorWG    sync.WaitGroup

	watcherMu sync.Mutex
	watchers  []*keystore.Watcher
}

// New creates an engine with cfg's bounds.
func New(cfg Config) *Sniffer {
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.SessionIdleTimeout == 0 {
		cfg.SessionIdleTimeout = DefaultIdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.ResumptionTTL <= 0 {
		cfg.ResumptionTTL = DefaultResumptionTTL
	}
	if cfg.ResumptionMaxEntries <= 0 {
		cfg.ResumptionMaxEntries = DefaultResumptionEntries
	}

	eng := &Sniffer{
		cfg:    cfg,
		keys:   keystore.New(keystore.Config{}),
		resume: newResumeCache(cfg.ResumptionTTL, cfg.ResumptionMaxEntries),
		table:  newSessionTable(cfg.MaxSessions, cfg.Reassembly),
		done:   make(chan struct{}),
	}
	eng.janitorWG.Add(1)
	go eng.janitor()

	logger.Info("engine started",
		"max_sessions", cfg.MaxSessions,
		"idle_timeout", cfg.SessionIdleTimeout,
		"resumption_ttl", cfg.ResumptionTTL)
	return eng
}

// Close stops the janitor, frees every session, and wipes cached key
// material. Decode calls after Close return ErrClosed.
func (eng *Sniffer) Close() {
	eng.shutdownOnce.Do(func() {
		eng.closed.Store(true)
		close(eng.done)
		eng.janitorWG.Wait()
		eng.watcherMu.Lock()
		for _, w := range eng.watchers {
			w.Stop()
		}
		eng.watchers = nil
		eng.watcherMu.Unlock()
		eng.table.forEach(func(s *session) {
			eng.table.remove(s)
		})
		eng.resume.close()
		logger.Info("engine closed")
	})
}

// janitor periodically retires closed and idle sessions.
func (eng *Sniffer) janitor() {
	defer eng.janitorWG.Done()
	ticker := time.NewTicker(eng.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-eng.done:
			return
		case now := <-ticker.C:
			idle := eng.cfg.SessionIdleTimeout
			if idle < 0 {
				idle = 0
			}
			if n := eng.table.sweep(idle, now); n > 0 {
				logger.Debug("idle sessions swept", "count", n)
			}
		}
	}
}

// --- key provisioning ----------------------------------------------

// SetPrivateKey installs a static server key scoped to an address and
// port. A zero addr or port widens the scope. Installing over an
// existing scope replaces the key.
func (eng *Sniffer) SetPrivateKey(addr netip.Addr, port uint16, keyData []byte, format keystore.Format, password string) error {
	return eng.installKey(keystore.Scope{Address: addr, Port: port},
		keystore.KeyMaterial{Bytes: keyData, Format: format, Password: password})
}

// SetPrivateKeyFile installs a static server key from a file.
func (eng *Sniffer) SetPrivateKeyFile(addr netip.Addr, port uint16, path string, format keystore.Format, password string) error {
	return eng.installKey(keystore.Scope{Address: addr, Port: port},
		keystore.KeyMaterial{Path: path, Format: format, Password: password})
}

// SetNamedPrivateKey installs a key that applies only to handshakes
// whose SNI matches name within the address scope.
func (eng *Sniffer) SetNamedPrivateKey(name string, addr netip.Addr, port uint16, keyData []byte, format keystore.Format, password string) error {
	return eng.installKey(keystore.Scope{Name: name, Address: addr, Port: port},
		keystore.KeyMaterial{Bytes: keyData, Format: format, Password: password})
}

// SetNamedPrivateKeyFile is SetNamedPrivateKey reading from a file.
func (eng *Sniffer) SetNamedPrivateKeyFile(name string, addr netip.Addr, port uint16, path string, format keystore.Format, password string) error {
	return eng.installKey(keystore.Scope{Name: name, Address: addr, Port: port},
		keystore.KeyMaterial{Path: path, Format: format, Password: password})
}

func (eng *Sniffer) installKey(scope keystore.Scope, material keystore.KeyMaterial) error {
	if eng.closed.Load() {
		return ErrClosed
	}
	if err := eng.keys.Install(scope, material); err != nil {
		eng.counters.keyLoadFails.Add(1)
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	return nil
}

// InstallWatchKey pre-seeds the watch path: the key is used for any
// handshake presenting the certificate with this SHA-256 hash.
func (eng *Sniffer) InstallWatchKey(certHash []byte, keyData []byte, format keystore.Format, password string) error {
	if eng.closed.Load() {
		return ErrClosed
	}
	err := eng.keys.InstallWatchKey(certHash, keystore.KeyMaterial{Bytes: keyData, Format: format, Password: password})
	if err != nil {
		eng.counters.keyLoadFails.Add(1)
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	return nil
}

// SetEphemeralResolver registers the callback that supplies (EC)DHE key
// material for forward-secret handshakes. Passing nil unregisters it.
func (eng *Sniffer) SetEphemeralResolver(r keystore.EphemeralResolver) {
	eng.keys.SetEphemeralResolver(r)
}

// SetWatchResolver registers the callback consulted when a handshake
// presents a certificate with no installed key.
func (eng *Sniffer) SetWatchResolver(r keystore.WatchResolver) {
	eng.keys.SetWatchResolver(r)
}

// WatchKeyDirectory installs key files dropped into dir, now and as
// they appear. The watcher stops when the engine closes. File names
// encode the scope; see keystore.Watcher.
func (eng *Sniffer) WatchKeyDirectory(dir, password string) (*keystore.Watcher, error) {
	if eng.closed.Load() {
		return nil, ErrClosed
	}
	w := keystore.NewWatcher(dir, eng.keys, keystore.WatcherConfig{Password: password})
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	eng.watcherMu.Lock()
	eng.watchers = append(eng.watchers, w)
	eng.watcherMu.Unlock()
	return w, nil
}

// RemoveKey uninstalls the key at scope.
func (eng *Sniffer) RemoveKey(addr netip.Addr, port uint16, name string) bool {
	return eng.keys.Remove(keystore.Scope{Address: addr, Port: port, Name: name})
}

// --- statistics -----------------------------------------------------

// ReadStats returns the engine counters without resetting them.
func (eng *Sniffer) ReadStats() Stats {
	return eng.counters.read()
}

// ReadAndResetStats atomically drains the counters. Concurrent
// increments land in either the returned snapshot or the next one,
// never both and never neither.
func (eng *Sniffer) ReadAndResetStats() Stats {
	return eng.counters.readAndReset()
}

// ResetStats zeroes the counters.
func (eng *Sniffer) ResetStats() {
	eng.counters.reset()
}

// SessionStats snapshots session table occupancy and memory use.
func (eng *Sniffer) SessionStats() SessionStats {
	return eng.table.stats()
}

// KeyStoreStats exposes the key registry's own accounting.
func (eng *Sniffer) KeyStoreStats() keystore.Stats {
	return eng.keys.Stats()
}
