// Package keystore holds the private keys a decryption engine resolves
// during observed handshakes. Static keys are installed under scopes
// (server address, port, optional virtual-host name), watch keys are
// indexed by server certificate hash, and ephemeral keys are resolved
// through a caller-supplied interface.
package keystore

import (
	"crypto"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cconlon/tlstap/internal/pkg/logger"
)

// Format identifies the encoding of installed key material.
type Format int

const (
	FormatPEM Format = 1
	FormatDER Format = 2
)

func (f Format) String() string {
	switch f {
	case FormatPEM:
		return "pem"
	case FormatDER:
		return "der"
	}
	return "unknown"
}

var (
	// ErrNotFound means no installed record matches the requested scope
	// or certificate hash.
	ErrNotFound = errors.New("keystore: no matching key")
	// ErrNoResolver means the lookup needs a resolver that was never
	// registered.
	ErrNoResolver = errors.New("keystore: no resolver registered")
	// ErrBadKey wraps key material that failed to parse.
	ErrBadKey = errors.New("keystore: unparsable key material")
	// ErrBadPassword wraps decryption failures of protected key material.
	ErrBadPassword = errors.New("keystore: wrong key password")
)

// Scope addresses one installed key. The zero Address matches any server
// address, port 0 matches any port, and an empty Name matches handshakes
// without (or regardless of) a server name.
type Scope struct {
	Address netip.Addr
	Port    uint16
	Name    string
}

func (s Scope) String() string {
	addr := "any"
	if s.Address.IsValid() {
		addr = s.Address.String()
	}
	if s.Name != "" {
		return fmt.Sprintf("%s@%s:%d", s.Name, addr, s.Port)
	}
	return fmt.Sprintf("%s:%d", addr, s.Port)
}

// mapKey canonicalizes the scope for indexing. IPv4-mapped addresses are
// unmapped so lookups match regardless of representation.
func (s Scope) mapKey() string {
	addr := ""
	if s.Address.IsValid() {
		addr = s.Address.Unmap().String()
	}
	return fmt.Sprintf("%s|%s|%d", s.Name, addr, s.Port)
}

// KeyMaterial is key bytes (or a file path) plus how to read them.
type KeyMaterial struct {
	Bytes    []byte
	Path     string
	Format   Format
	Password string
}

// KeyRecord is an installed, parsed private key.
type KeyRecord struct {
	Scope       Scope
	Key         crypto.PrivateKey
	CertHash    []byte // set for watch-installed records
	InstalledAt time.Time
}

// EphemeralKey is the result of ephemeral resolution: either the matching
// private key material (PKCS#8 DER or the group's raw scalar) or an
// already-derived shared secret. Exactly one field should be set.
type EphemeralKey struct {
	PrivateKey []byte
	Secret     []byte
}

// EphemeralResolver supplies ephemeral key material for forward-secret
// handshakes. It receives the negotiated named group and both peers'
// public values as seen on the wire.
type EphemeralResolver interface {
	ResolveEphemeral(group uint16, serverPublic, clientPublic []byte) (EphemeralKey, error)
}

// WatchResolver supplies a private key for a server certificate observed
// in a handshake, keyed by the certificate's SHA-256 hash. The raw leaf
// certificate is passed for resolvers that index differently.
type WatchResolver interface {
	ResolveWatchKey(certHash []byte, certDER []byte) (KeyMaterial, error)
}

// Stats is a snapshot of store activity.
type Stats struct {
	Installed    int    `json:"installed"`
	WatchCached  int    `json:"watch_cached"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	WatchHits    uint64 `json:"watch_hits"`
	WatchMisses  uint64 `json:"watch_misses"`
	LoadFailures uint64 `json:"load_failures"`
}

// Config configures a Store.
type Config struct {
	// OnInstall, when set, is invoked (on its own goroutine) after each
	// successful install or replacement.
	OnInstall func(*KeyRecord)
}

// Store is the concurrent key registry. Installs are serialized;
// resolutions run under a read lock.
type Store struct {
	mu        sync.RWMutex
	byScope   map[string]*KeyRecord
	byHash    map[[sha256.Size]byte]*KeyRecord
	ephemeral EphemeralResolver
	watch     WatchResolver
	onInstall func(*KeyRecord)

	hits         atomic.Uint64
	misses       atomic.Uint64
	watchHits    atomic.Uint64
	watchMisses  atomic.Uint64
	loadFailures atomic.Uint64
}

// New creates an empty Store.
func New(cfg Config) *Store {
	return &Store{
		byScope:   make(map[string]*KeyRecord),
		byHash:    make(map[[sha256.Size]byte]*KeyRecord),
		onInstall: cfg.OnInstall,
	}
}

// Install parses the material (decrypting it if password-protected) and
// registers it under scope. Installing under an existing scope replaces
// the previous record; that is the rotation mechanism. Parse and password
// failures surface here, never at first use.
func (st *Store) Install(scope Scope, material KeyMaterial) error {
	key, err := st.loadKey(material)
	if err != nil {
		return err
	}
	rec := &KeyRecord{
		Scope:       scope,
		Key:         key,
		InstalledAt: time.Now(),
	}

	st.mu.Lock()
	k := scope.mapKey()
	_, replaced := st.byScope[k]
	st.byScope[k] = rec
	cb := st.onInstall
	st.mu.Unlock()

	logger.Debug("key installed", "scope", scope.String(), "replaced", replaced)
	if cb != nil {
		go cb(rec)
	}
	return nil
}

// InstallFile reads the key from path and installs it under scope.
func (st *Store) InstallFile(scope Scope, path string, format Format, password string) error {
	return st.Install(scope, KeyMaterial{Path: path, Format: format, Password: password})
}

// InstallWatchKey registers a key under a certificate hash, bypassing the
// watch resolver for that certificate from now on.
func (st *Store) InstallWatchKey(certHash []byte, material KeyMaterial) error {
	if len(certHash) != sha256.Size {
		return fmt.Errorf("%w: watch hash must be %d bytes", ErrBadKey, sha256.Size)
	}
	key, err := st.loadKey(material)
	if err != nil {
		return err
	}
	var h [sha256.Size]byte
	copy(h[:], certHash)
	rec := &KeyRecord{
		Key:         key,
		CertHash:    certHash,
		InstalledAt: time.Now(),
	}

	st.mu.Lock()
	st.byHash[h] = rec
	cb := st.onInstall
	st.mu.Unlock()

	if cb != nil {
		go cb(rec)
	}
	return nil
}

func (st *Store) loadKey(material KeyMaterial) (crypto.PrivateKey, error) {
	raw := material.Bytes
	if len(raw) == 0 && material.Path != "" {
		b, err := os.ReadFile(material.Path)
		if err != nil {
			st.countLoadFailure()
			return nil, fmt.Errorf("keystore: reading %s: %w", material.Path, err)
		}
		raw = b
	}
	if len(raw) == 0 {
		st.countLoadFailure()
		return nil, fmt.Errorf("%w: empty key material", ErrBadKey)
	}
	key, err := ParsePrivateKey(raw, material.Format, material.Password)
	if err != nil {
		st.countLoadFailure()
		return nil, err
	}
	return key, nil
}

func (st *Store) countLoadFailure() {
	st.loadFailures.Add(1)
}

// Resolve finds the best record for an observed server endpoint. The
// resolution order is: named scope (most to least specific), exact
// address:port, address with wildcard port, wildcard address with port,
// then a full-wildcard record if one exists.
func (st *Store) Resolve(serverAddr netip.Addr, serverPort uint16, name string) (*KeyRecord, error) {
	addr := serverAddr.Unmap()

	candidates := make([]Scope, 0, 9)
	if name != "" {
		candidates = append(candidates,
			Scope{Address: addr, Port: serverPort, Name: name},
			Scope{Port: serverPort, Name: name},
			Scope{Address: addr, Name: name},
			Scope{Name: name},
		)
	}
	candidates = append(candidates,
		Scope{Address: addr, Port: serverPort},
		Scope{Address: addr},
		Scope{Port: serverPort},
		Scope{},
	)

	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, c := range candidates {
		if rec, ok := st.byScope[c.mapKey()]; ok {
			st.hits.Add(1)
			return rec, nil
		}
	}
	st.misses.Add(1)
	return nil, ErrNotFound
}

// ResolveByCertHash finds a key for the observed server certificate. On a
// cache miss the registered watch resolver (if any) is consulted and a
// successful result is installed under the hash for future sessions.
func (st *Store) ResolveByCertHash(certHash []byte, certDER []byte) (*KeyRecord, error) {
	if len(certHash) != sha256.Size {
		return nil, fmt.Errorf("%w: watch hash must be %d bytes", ErrBadKey, sha256.Size)
	}
	var h [sha256.Size]byte
	copy(h[:], certHash)

	st.mu.RLock()
	rec, ok := st.byHash[h]
	resolver := st.watch
	st.mu.RUnlock()
	if ok {
		st.watchHits.Add(1)
		return rec, nil
	}

	if resolver == nil {
		st.watchMisses.Add(1)
		return nil, ErrNoResolver
	}

	material, err := resolver.ResolveWatchKey(certHash, certDER)
	if err != nil {
		st.watchMisses.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err := st.InstallWatchKey(certHash, material); err != nil {
		return nil, err
	}

	st.watchHits.Add(1)
	st.mu.RLock()
	rec = st.byHash[h]
	st.mu.RUnlock()
	return rec, nil
}

// SetEphemeralResolver registers (or replaces) the ephemeral resolver.
func (st *Store) SetEphemeralResolver(r EphemeralResolver) {
	st.mu.Lock()
	st.ephemeral = r
	st.mu.Unlock()
}

// SetWatchResolver registers (or replaces) the watch resolver.
func (st *Store) SetWatchResolver(r WatchResolver) {
	st.mu.Lock()
	st.watch = r
	st.mu.Unlock()
}

// HasEphemeralResolver reports whether ephemeral resolution is possible.
func (st *Store) HasEphemeralResolver() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.ephemeral != nil
}

// HasWatchResolver reports whether a watch resolver is registered.
func (st *Store) HasWatchResolver() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.watch != nil
}

// ResolveEphemeral delegates to the registered ephemeral resolver.
func (st *Store) ResolveEphemeral(group uint16, serverPublic, clientPublic []byte) (EphemeralKey, error) {
	st.mu.RLock()
	r := st.ephemeral
	st.mu.RUnlock()
	if r == nil {
		return EphemeralKey{}, ErrNoResolver
	}
	return r.ResolveEphemeral(group, serverPublic, clientPublic)
}

// Remove deletes the record under scope, if present.
func (st *Store) Remove(scope Scope) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	k := scope.mapKey()
	if _, ok := st.byScope[k]; !ok {
		return false
	}
	delete(st.byScope, k)
	return true
}

// Len returns the number of scope-installed records.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byScope)
}

// Stats returns a snapshot of store activity.
func (st *Store) Stats() Stats {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return Stats{
		Installed:    len(st.byScope),
		WatchCached:  len(st.byHash),
		Hits:         st.hits.Load(),
		Misses:       st.misses.Load(),
		WatchHits:    st.watchHits.Load(),
		WatchMisses:  st.watchMisses.Load(),
		LoadFailures: st.loadFailures.Load(),
	}
}

// CertHash computes the watch index hash over a DER certificate.
func CertHash(certDER []byte) []byte {
	h := sha256.Sum256(certDER)
	return h[:]
}
