// Package credentials caches sign-on information for connector services and
// writes it through to an optional durable backend keyed by
// (system type, host, user id).
//
// The durable side is best effort: backend errors are logged and swallowed,
// since losing an entry only costs a future prompt.
package credentials

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned by backends when no entry exists for a key.
var ErrNotFound = errors.New("credentials: not found")

// Key addresses a durable password entry.
type Key struct {
	SystemType string
	Host       string
	UserID     string
}

// normalized lower-cases the host so "Web1" and "web1" share an entry.
func (k Key) normalized() Key {
	k.Host = strings.ToLower(strings.TrimSpace(k.Host))
	return k
}

func (k Key) valid() bool {
	return k.SystemType != "" && k.Host != "" && k.UserID != ""
}

// Credentials is the sign-on information for one connector service.
type Credentials struct {
	UserID     string
	Password   string
	SystemType string
	Host       string
}

// Key returns the durable key for c.
func (c Credentials) Key() Key {
	return Key{SystemType: c.SystemType, Host: c.Host, UserID: c.UserID}
}

// Matches reports whether c was acquired for the given key. User ids compare
// exactly, host names case-insensitively.
func (c Credentials) Matches(k Key) bool {
	return c.UserID == k.UserID &&
		c.SystemType == k.SystemType &&
		strings.EqualFold(c.Host, k.Host)
}

// Backend is a durable password store.
type Backend interface {
	// Load returns the stored password or ErrNotFound.
	Load(ctx context.Context, k Key) (string, error)
	Save(ctx context.Context, k Key, password string) error
	// Delete removes the entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, k Key) error
}

// Store is the process-wide credential cache. The memory side is scoped per
// connector service (scope is the service id) so each service keeps its own
// independently acquired password.
type Store struct {
	mu      sync.Mutex
	cache   map[string]Credentials
	backend Backend
}

// NewStore creates a Store. backend may be nil for a memory-only store.
func NewStore(backend Backend) *Store {
	return &Store{
		cache:   make(map[string]Credentials),
		backend: backend,
	}
}

// Get returns credentials for key. The scope's memory entry wins when it was
// acquired for the same key; otherwise the durable store is consulted and a
// hit is cached under scope.
func (s *Store) Get(ctx context.Context, scope string, key Key) (Credentials, bool) {
	s.mu.Lock()
	c, ok := s.cache[scope]
	s.mu.Unlock()
	if ok && c.Password != "" && c.Matches(key) {
		return c, true
	}

	pw, found := s.load(ctx, key)
	if !found {
		return Credentials{}, false
	}
	c = Credentials{UserID: key.UserID, Password: pw, SystemType: key.SystemType, Host: key.Host}
	s.mu.Lock()
	s.cache[scope] = c
	s.mu.Unlock()
	return c, true
}

// Cached returns the scope's memory entry without touching the durable store.
func (s *Store) Cached(scope string) (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[scope]
	return c, ok && c.Password != ""
}

// Cache sets the scope's memory entry only.
func (s *Store) Cache(scope string, c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[scope] = c
}

// Put caches c under scope. With persist the password is written through to
// the durable store; without it any durable entry for the key is removed.
func (s *Store) Put(ctx context.Context, scope string, c Credentials, persist bool) {
	s.mu.Lock()
	s.cache[scope] = c
	s.mu.Unlock()

	if persist {
		s.save(ctx, c.Key(), c.Password)
	} else {
		s.delete(ctx, c.Key())
	}
}

// Remove drops the scope's memory entry and, with alsoFromDisk, the durable
// entry for key.
func (s *Store) Remove(ctx context.Context, scope string, key Key, alsoFromDisk bool) {
	s.mu.Lock()
	delete(s.cache, scope)
	s.mu.Unlock()

	if alsoFromDisk {
		s.delete(ctx, key)
	}
}

// Exists checks the durable store only.
func (s *Store) Exists(ctx context.Context, systemType, host, userID string) bool {
	_, found := s.load(ctx, Key{SystemType: systemType, Host: host, UserID: userID})
	return found
}

// Forget removes a durable entry without touching any memory scope.
func (s *Store) Forget(ctx context.Context, key Key) {
	s.delete(ctx, key)
}

func (s *Store) load(ctx context.Context, key Key) (string, bool) {
	key = key.normalized()
	if s.backend == nil || !key.valid() {
		return "", false
	}
	pw, err := s.backend.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("host", key.Host).Str("user", key.UserID).Msg("credentials: load failed")
		}
		return "", false
	}
	return pw, true
}

func (s *Store) save(ctx context.Context, key Key, password string) {
	key = key.normalized()
	if s.backend == nil || !key.valid() {
		return
	}
	if err := s.backend.Save(ctx, key, password); err != nil {
		log.Warn().Err(err).Str("host", key.Host).Str("user", key.UserID).Msg("credentials: save failed")
	}
}

func (s *Store) delete(ctx context.Context, key Key) {
	key = key.normalized()
	if s.backend == nil || !key.valid() {
		return
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("host", key.Host).Str("user", key.UserID).Msg("credentials: delete failed")
	}
}
