package keystore

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cconlon/tlstap/internal/pkg/logger"
)

// WatcherConfig configures the key directory watcher.
type WatcherConfig struct {
	// RescanInterval is the periodic full-directory rescan that catches
	// events fsnotify missed. Default: 30 seconds.
	RescanInterval time.Duration

	// Password is applied when a discovered key is password protected.
	Password string
}

// DefaultWatcherConfig returns the default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{RescanInterval: 30 * time.Second}
}

// WatcherStats is a snapshot of watcher activity.
type WatcherStats struct {
	Installed uint64 `json:"installed"`
	Failures  uint64 `json:"failures"`
}

// Watcher installs key files dropped into a directory. File names encode
// the scope: "10.0.0.1_443.pem", "vhost.example.com@10.0.0.1_443.pem",
// "any_443.der", or "default.pem" for a full wildcard. Removing a file
// does not uninstall its key; observed keys may outlive their files.
type Watcher struct {
	store *Store
	dir   string
	cfg   WatcherConfig

	mu       sync.Mutex
	running  bool
	fsw      *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
	seen     map[string]time.Time

	installed atomic.Uint64
	failures  atomic.Uint64
}

// NewWatcher creates a watcher over dir that installs into store.
func NewWatcher(dir string, store *Store, cfg WatcherConfig) *Watcher {
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = DefaultWatcherConfig().RescanInterval
	}
	return &Watcher{
		store:    store,
		dir:      dir,
		cfg:      cfg,
		stopChan: make(chan struct{}),
		seen:     make(map[string]time.Time),
	}
}

// Start scans the directory once, then watches it for new or rewritten
// key files.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("keystore: watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("keystore: starting watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		w.mu.Unlock()
		return fmt.Errorf("keystore: watching %s: %w", w.dir, err)
	}
	w.fsw = fsw
	w.running = true
	w.mu.Unlock()

	w.scan()

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()
	w.fsw.Close()
}

// Stats returns a snapshot of watcher activity.
func (w *Watcher) Stats() WatcherStats {
	return WatcherStats{
		Installed: w.installed.Load(),
		Failures:  w.failures.Load(),
	}
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				w.installPath(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("key watcher error", "dir", w.dir, "error", err)
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logger.Warn("key directory scan failed", "dir", w.dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.installPath(filepath.Join(w.dir, entry.Name()))
	}
}

func (w *Watcher) installPath(path string) {
	scope, format, ok := ParseScopeFilename(path)
	if !ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	prev, seen := w.seen[path]
	if seen && !info.ModTime().After(prev) {
		w.mu.Unlock()
		return
	}
	w.seen[path] = info.ModTime()
	w.mu.Unlock()

	if err := w.store.InstallFile(scope, path, format, w.cfg.Password); err != nil {
		w.failures.Add(1)
		logger.Warn("key install from directory failed",
			"path", path, "scope", scope.String(), "error", err)
		return
	}
	w.installed.Add(1)
	logger.Info("key installed from directory", "path", path, "scope", scope.String())
}

// ParseScopeFilename derives an install scope and format from a key file
// name. Returns ok=false for files that do not look like keys.
func ParseScopeFilename(path string) (Scope, Format, bool) {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))

	var format Format
	switch ext {
	case ".pem", ".key":
		format = FormatPEM
	case ".der":
		format = FormatDER
	default:
		return Scope{}, 0, false
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		return Scope{}, 0, false
	}
	if stem == "default" || stem == "any" {
		return Scope{}, format, true
	}

	var scope Scope
	if at := strings.Index(stem, "@"); at >= 0 {
		scope.Name = stem[:at]
		stem = stem[at+1:]
	}

	addrPart := stem
	if under := strings.LastIndex(stem, "_"); under >= 0 {
		port, err := strconv.ParseUint(stem[under+1:], 10, 16)
		if err != nil {
			return Scope{}, 0, false
		}
		scope.Port = uint16(port)
		addrPart = stem[:under]
	}
	if addrPart != "" && addrPart != "any" {
		addr, err := netip.ParseAddr(addrPart)
		if err != nil {
			return Scope{}, 0, false
		}
		scope.Address = addr.Unmap()
	}
	if !scope.Address.IsValid() && scope.Port == 0 && scope.Name == "" {
		return Scope{}, 0, false
	}
	return scope, format, true
}
