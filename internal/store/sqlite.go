// Package store provides storage backends for IntakePipe.
//
// This file implements an SQLite-backed store for sessions, inbound
// deduplication and durable jobs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/IntakePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) GetSession(ctx context.Context, conversationID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = ?`, conversationID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore GetSession not found", "conversationID", conversationID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to load session %s: %w", conversationID, err)
	}
	return sess, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *models.Session) error {
	profileJSON, err := marshalProfile(sess.Profile)
	if err != nil {
		slog.Error("SQLiteStore SaveSession JSON marshal failed", "error", err, "conversationID", sess.ConversationID)
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
			`INSERT OR IGNORE INTO sessions (conversation_id, user_id, channel, pending_slot, profile, birth_date_iso, completed_cycles, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			sess.ConversationID, sess.UserID, sess.Channel, string(sess.PendingSlot), profileJSON,
			nilIfEmpty(sess.BirthDateISO), sess.CompletedCycles, createdAt, now)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET user_id = ?, channel = ?, pending_slot = ?, profile = ?, birth_date_iso = ?,
			 completed_cycles = ?, version = version + 1, updated_at = ?
			 WHERE conversation_id = ? AND version = ?`,
			sess.UserID, sess.Channel, string(sess.PendingSlot), profileJSON, nilIfEmpty(sess.BirthDateISO),
			sess.CompletedCycles, now, sess.ConversationID, sess.Version)
	}
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "conversationID", sess.ConversationID)
		return fmt.Errorf("failed to save session %s: %w", sess.ConversationID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore SaveSession version conflict", "conversationID", sess.ConversationID, "version", sess.Version)
		return ErrVersionConflict
	}

	if sess.Version == 0 && sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.Version++
	sess.UpdatedAt = now
	slog.Debug("SQLiteStore SaveSession succeeded", "conversationID", sess.ConversationID,
		"slot", sess.PendingSlot, "version", sess.Version)
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE conversation_id = ?`, conversationID)
	if err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to delete session %s: %w", conversationID, err)
	}
	slog.Debug("SQLiteStore DeleteSession succeeded", "conversationID", conversationID)
	return nil
}
