// Package models defines the per-conversation dialog state persisted between turns.
package models

import (
	"time"
)

// Profile holds the validated answers of the current collection cycle.
// A slot is present only once its answer passed validation.
type Profile map[Slot]string

// Clone returns an independent copy of p. A nil profile clones to an empty one.
func (p Profile) Clone() Profile {
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Complete reports whether every fillable slot has a value.
func (p Profile) Complete() bool {
	for _, s := range SlotOrder {
		if _, ok := p[s]; !ok {
			return false
		}
	}
	return true
}

// Filled returns the filled slots in collection order.
func (p Profile) Filled() []Slot {
	var out []Slot
	for _, s := range SlotOrder {
		if _, ok := p[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Session is the unified dialog state of one conversation: which slot is
// pending plus the answers collected so far.
type Session struct {
	ConversationID  string    `json:"conversation_id"`
	UserID          string    `json:"user_id,omitempty"`
	Channel         string    `json:"channel,omitempty"`
	PendingSlot     Slot      `json:"pending_slot"`
	Profile         Profile   `json:"profile,omitempty"`
	BirthDateISO    string    `json:"birth_date_iso,omitempty"`
	CompletedCycles int       `json:"completed_cycles"`
	Version         int64     `json:"version"` // optimistic concurrency stamp, 0 = never saved
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewSession returns the initial state for a conversation seen for the first time.
func NewSession(conversationID, userID, channel string) *Session {
	now := time.Now()
	return &Session{
		ConversationID: conversationID,
		UserID:         userID,
		Channel:        channel,
		PendingSlot:    SlotNone,
		Profile:        Profile{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	s.Profile = s.Profile.Clone()
	return s
}

// SessionSummary is the externally visible view of a session.
type SessionSummary struct {
	ConversationID  string    `json:"conversation_id"`
	UserID          string    `json:"user_id,omitempty"`
	PendingSlot     Slot      `json:"pending_slot"`
	FilledSlots     []Slot    `json:"filled_slots"`
	CompletedCycles int       `json:"completed_cycles"`
	Version         int64     `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Summary strips the collected values from s.
func (s Session) Summary() SessionSummary {
	filled := s.Profile.Filled()
	if filled == nil {
		filled = []Slot{}
	}
	return SessionSummary{
		ConversationID:  s.ConversationID,
		UserID:          s.UserID,
		PendingSlot:     s.PendingSlot,
		FilledSlots:     filled,
		CompletedCycles: s.CompletedCycles,
		Version:         s.Version,
		UpdatedAt:       s.UpdatedAt,
	}
}
