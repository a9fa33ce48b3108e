// Package credstore persists security tokens and ephemeral PKCE material.
//
// A Store routes each Kind to a session or durable Backend and namespaces
// keys per tier. Reads and writes never surface errors: backend failures are
// logged and an unreadable value is reported as absent.
package credstore

import (
	"sync"

	"go.uber.org/zap"

	"smartsession/pkg/logging"
)

// Backend is a key/value persistence tier.
type Backend interface {
	// Load returns ok=false for a missing key.
	Load(key string) (value string, ok bool, err error)
	Save(key, value string) error
	Delete(key string) error
}

// Taker is implemented by backends that can read and delete a key in one
// step. Only the caller that observes ok=true owns the value.
type Taker interface {
	Take(key string) (value string, ok bool, err error)
}

// Store is the single source of truth for credentials.
type Store struct {
	session Backend
	durable Backend
	tiering Tiering
	logger  *zap.Logger

	// takeMu serializes Take on backends that are not Takers.
	takeMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithTiering overrides the kind to scope mapping.
func WithTiering(t Tiering) Option {
	return func(s *Store) {
		s.tiering = t
	}
}

// WithLogger sets the logger used for swallowed backend failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a store. A nil durable backend shares the session backend.
func New(session, durable Backend, opts ...Option) *Store {
	if session == nil {
		session = NewMemoryBackend()
	}
	if durable == nil {
		durable = session
	}
	s := &Store{
		session: session,
		durable: durable,
		tiering: DefaultTiering(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("credstore")
	return s
}

// NewMemory creates a store backed entirely by process memory.
func NewMemory() *Store {
	return New(NewMemoryBackend(), NewMemoryBackend())
}

func (s *Store) route(kind Kind) (Backend, string) {
	scope := s.tiering.ScopeOf(kind)
	if scope == ScopeDurable {
		return s.durable, Key(scope, kind)
	}
	return s.session, Key(scope, kind)
}

// Set stores value under kind. An empty value clears the entry.
func (s *Store) Set(kind Kind, value string) {
	if value == "" {
		s.Clear(kind)
		return
	}
	backend, key := s.route(kind)
	if err := backend.Save(key, value); err != nil {
		s.logger.Warn("STORE_WRITE_FAILED", zap.String("key", key), zap.Error(err))
	}
}

// Get returns the value for kind, or ok=false when absent or unreadable.
func (s *Store) Get(kind Kind) (string, bool) {
	backend, key := s.route(kind)
	value, ok, err := backend.Load(key)
	if err != nil {
		s.logger.Warn("STORE_READ_FAILED", zap.String("key", key), zap.Error(err))
		return "", false
	}
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// Take returns the value for kind and deletes it. Concurrent takers of the
// same kind see the value at most once.
func (s *Store) Take(kind Kind) (string, bool) {
	backend, key := s.route(kind)
	if taker, ok := backend.(Taker); ok {
		value, ok, err := taker.Take(key)
		if err != nil {
			s.logger.Warn("STORE_TAKE_FAILED", zap.String("key", key), zap.Error(err))
			return "", false
		}
		return value, ok && value != ""
	}

	s.takeMu.Lock()
	defer s.takeMu.Unlock()
	value, ok := s.Get(kind)
	s.Clear(kind)
	return value, ok
}

// Clear removes kind.
func (s *Store) Clear(kind Kind) {
	backend, key := s.route(kind)
	if err := backend.Delete(key); err != nil {
		s.logger.Warn("STORE_DELETE_FAILED", zap.String("key", key), zap.Error(err))
	}
}

// ClearAll removes every listed kind.
func (s *Store) ClearAll(kinds ...Kind) {
	for _, kind := range kinds {
		s.Clear(kind)
	}
}

// Has reports whether kind holds a value.
func (s *Store) Has(kind Kind) bool {
	_, ok := s.Get(kind)
	return ok
}
