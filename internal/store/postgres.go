// Package store provides storage backends for IntakePipe.
//
// This file implements a PostgreSQL-backed store for sessions, inbound
// deduplication and durable jobs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/IntakePipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetSession(ctx context.Context, conversationID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = $1`, conversationID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore GetSession not found", "conversationID", conversationID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to load session %s: %w", conversationID, err)
	}
	return sess, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess *models.Session) error {
	profileJSON, err := marshalProfile(sess.Profile)
	if err != nil {
		slog.Error("PostgresStore SaveSession JSON marshal failed", "error", err, "conversationID", sess.ConversationID)
		return err
	}

	now := time.Now()
	var result sql.Result
	if sess.Version == 0 {
		createdAt := sess.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		result, err = s.db.ExecContext(ctx,
			`INSERT INTO sessions (conversation_id, user_id, channel, pending_slot, profile, birth_date_iso, completed_cycles, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
			 ON CONFLICT (conversation_id) DO NOTHING`,
			sess.ConversationID, sess.UserID, sess.Channel, string(sess.PendingSlot), profileJSON,
			nilIfEmpty(sess.BirthDateISO), sess.CompletedCycles, createdAt, now)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET user_id = $1, channel = $2, pending_slot = $3, profile = $4, birth_date_iso = $5,
			 completed_cycles = $6, version = version + 1, updated_at = $7
			 WHERE conversation_id = $8 AND version = $9`,
			sess.UserID, sess.Channel, string(sess.PendingSlot), profileJSON, nilIfEmpty(sess.BirthDateISO),
			sess.CompletedCycles, now, sess.ConversationID, sess.Version)
	}
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "conversationID", sess.ConversationID)
		return fmt.Errorf("failed to save session %s: %w", sess.ConversationID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore SaveSession version conflict", "conversationID", sess.ConversationID, "version", sess.Version)
		return ErrVersionConflict
	}

	if sess.Version == 0 && sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.Version++
	sess.UpdatedAt = now
	slog.Debug("PostgresStore SaveSession succeeded", "conversationID", sess.ConversationID,
		"slot", sess.PendingSlot, "version", sess.Version)
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE conversation_id = $1`, conversationID)
	if err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to delete session %s: %w", conversationID, err)
	}
	slog.Debug("PostgresStore DeleteSession succeeded", "conversationID", conversationID)
	return nil
}
