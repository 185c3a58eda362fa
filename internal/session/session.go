// Package session supplies the stable identifier that correlates every request sent to the
// assistant service with one server-side conversation context.
package session

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Key is the fixed key under which the identifier is persisted.
const Key = "ganesha_session_id"

const errLoggerKey = "err"

// Store is a durable key-value capability. Get reports found=false when no value exists under
// key; that is not an error.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
}

// Generator creates a fresh identifier.
type Generator func() string

// NewID returns a time-based base36 prefix followed by a random base36 suffix.
func NewID() string {
	prefix := strconv.FormatInt(time.Now().UnixMilli(), 36)

	u := uuid.New()
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, b := range u[:8] {
		sb.WriteString(strconv.FormatUint(uint64(b), 36))
	}
	return sb.String()
}

// GetOrCreate returns the identifier stored under Key, generating and persisting one when none
// exists. It never fails: when the store cannot be read or written the freshly generated id is
// returned without being persisted, so every call degrades to a new id.
func GetOrCreate(ctx context.Context, store Store, gen Generator, logger *slog.Logger) string {
	if gen == nil {
		gen = NewID
	}
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		return gen()
	}

	id, found, err := store.Get(ctx, Key)
	if err != nil {
		logger.Warn("Session store unavailable, using ephemeral session id",
			slog.String(errLoggerKey, err.Error()))
		return gen()
	}
	if found && id != "" {
		return id
	}

	id = gen()
	if err := store.Set(ctx, Key, id); err != nil {
		logger.Warn("Failed to persist session id",
			slog.String(errLoggerKey, err.Error()))
		return id
	}
	logger.Info("New session started", slog.String("sessionID", id))
	return id
}

// Provider binds a store and a generator so callers can ask for the session id without knowing
// where it lives.
type Provider struct {
	store  Store
	gen    Generator
	logger *slog.Logger
}

// NewProvider creates a Provider. A nil generator selects NewID.
func NewProvider(store Store, gen Generator, logger *slog.Logger) Provider {
	if gen == nil {
		gen = NewID
	}
	return Provider{
		store:  store,
		gen:    gen,
		logger: logger.With(slog.String("module", "session")),
	}
}

// SessionID implements conversation.SessionProvider.
func (p Provider) SessionID(ctx context.Context) string {
	return GetOrCreate(ctx, p.store, p.gen, p.logger)
}

// MemoryStore is a Store held in process memory. It is used when no durable store is
// configured and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	return v, ok, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return nil
}
