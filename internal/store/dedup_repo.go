package store

import (
	"time"
)

// DedupRecord tracks one inbound transport message.
type DedupRecord struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
}

// DedupRepo suppresses repeated delivery of the same inbound message.
type DedupRepo interface {
	// IsDuplicate reports whether messageID was already recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound records messageID atomically. It returns false when the
	// message had been recorded before.
	RecordInbound(messageID, conversationID string) (bool, error)

	// MarkProcessed stamps the time the turn for messageID finished.
	MarkProcessed(messageID string) error

	// ForgetInbound drops the record of a message whose turn did not commit,
	// so a redelivery is processed. Processed records are kept.
	ForgetInbound(messageID string) error
}
