package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const sessionColumns = `conversation_id, user_id, channel, pending_slot, profile, birth_date_iso, completed_cycles, version, created_at, updated_at`

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalProfile encodes a profile for the profile column. An empty profile
// is stored as NULL.
func marshalProfile(p models.Profile) (interface{}, error) {
	if len(p) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode profile: %w", err)
	}
	return string(data), nil
}

// scanSession scans a session row selected with sessionColumns.
func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var pendingSlot string
	var profileJSON, birthDateISO sql.NullString
	err := row.Scan(
		&sess.ConversationID, &sess.UserID, &sess.Channel, &pendingSlot, &profileJSON,
		&birthDateISO, &sess.CompletedCycles, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	slot, err := models.ParseSlot(pendingSlot)
	if err != nil {
		return nil, err
	}
	sess.PendingSlot = slot
	sess.BirthDateISO = birthDateISO.String
	sess.Profile = models.Profile{}
	if profileJSON.Valid && profileJSON.String != "" {
		if err := json.Unmarshal([]byte(profileJSON.String), &sess.Profile); err != nil {
			return nil, fmt.Errorf("failed to decode profile: %w", err)
		}
	}
	return &sess, nil
}

// scanJob scans a job row selected with jobColumns.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}
