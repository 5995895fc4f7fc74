// Package messaging connects transports (WhatsApp, Twilio, console) to the
// dialog engine: services turn inbound messages into models.Turn values and
// send replies, and TurnRouter moves turns from a service to the engine.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

const (
	// DefaultChannelBufferSize defines the buffer size for receipt and turn channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound turn waits for buffer space
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest recipient number accepted
	minPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., listening for events).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Turns returns a channel of inbound user turns. It is closed by Stop.
	Turns() <-chan models.Turn
}

// eventChannels owns the receipt and turn channels of a service and closes
// them exactly once.
type eventChannels struct {
	mu       sync.RWMutex
	stopped  bool
	receipts chan models.Receipt
	turns    chan models.Turn
}

func newEventChannels() *eventChannels {
	return &eventChannels{
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		turns:    make(chan models.Turn, DefaultChannelBufferSize),
	}
}

func (c *eventChannels) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// emitTurn waits up to DefaultChannelTimeout for buffer space.
func (c *eventChannels) emitTurn(turn models.Turn) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		slog.Warn("messaging: dropping inbound turn, service stopped", "conversationID", turn.ConversationID)
		return false
	}
	select {
	case c.turns <- turn:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: turns channel blocked, dropping message", "conversationID", turn.ConversationID,
			"timeout", DefaultChannelTimeout)
		return false
	}
}

// emitReceipt never blocks; receipts are informational.
func (c *eventChannels) emitReceipt(receipt models.Receipt) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.receipts <- receipt:
	default:
		slog.Debug("messaging: receipts channel full, dropping receipt", "to", receipt.To, "status", receipt.Status)
	}
}

// stop closes both channels. It reports false if they were already closed.
func (c *eventChannels) stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.stopped = true
	close(c.receipts)
	close(c.turns)
	return true
}

// canonicalPhone strips everything but digits and checks the length.
func canonicalPhone(recipient string) (string, bool) {
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	return digits, len(digits) >= minPhoneDigits
}
