// Package store provides storage backends for IntakePipe.
//
// It includes an in-memory store for tests and console sessions, SQLite and
// PostgreSQL stores for durable deployments, and a Redis-backed session store.
// Every session backend stamps records with a version and rejects stale writes.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// ErrVersionConflict is returned by SaveSession when the stored version no
// longer matches the version the caller loaded.
var ErrVersionConflict = errors.New("session version conflict")

// SessionRepo loads and saves dialog sessions keyed by conversation ID.
type SessionRepo interface {
	// GetSession returns the stored session, or nil if the conversation is unknown.
	GetSession(ctx context.Context, conversationID string) (*models.Session, error)

	// SaveSession writes s if the stored version still equals s.Version and
	// advances s.Version on success. A session with Version 0 must not exist yet.
	SaveSession(ctx context.Context, s *models.Session) error

	// DeleteSession removes the session. Deleting an unknown session is not an error.
	DeleteSession(ctx context.Context, conversationID string) error
}

// Store is the set of capabilities every primary backend offers.
type Store interface {
	SessionRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore keeps sessions and dedup records in process memory.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	inbound  map[string]DedupRecord
}

// Compile-time checks that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		inbound:  make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) GetSession(ctx context.Context, conversationID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[conversationID]
	if !ok {
		return nil, nil
	}
	out := stored.Clone()
	return &out, nil
}

func (s *InMemoryStore) SaveSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.sessions[sess.ConversationID]
	var currentVersion int64
	if exists {
		currentVersion = current.Version
	}
	if currentVersion != sess.Version {
		slog.Debug("InMemoryStore SaveSession version conflict", "conversationID", sess.ConversationID,
			"expected", sess.Version, "actual", currentVersion)
		return ErrVersionConflict
	}

	sess.Version++
	sess.UpdatedAt = time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}
	s.sessions[sess.ConversationID] = sess.Clone()
	return nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, conversationID)
	return nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, ConversationID: conversationID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) ForgetInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok && rec.ProcessedAt == nil {
		delete(s.inbound, messageID)
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
