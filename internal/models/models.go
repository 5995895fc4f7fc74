// Package models defines the core data structures for IntakePipe.
//
// It includes inbound turns, delivery receipts, the registration request and
// the JSON envelope used by the HTTP API, which are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Error variables for input validation
var (
	ErrEmptyConversationID = errors.New("conversation ID cannot be empty")
	ErrTextTooLong         = errors.New("message text exceeds maximum length")
)

// MaxTurnTextLength caps the size of a single inbound utterance.
const MaxTurnTextLength = 4096

// Turn is one inbound user utterance together with the identities it belongs to.
type Turn struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	MessageID      string    `json:"message_id,omitempty"` // transport message ID, used for duplicate suppression
	ReplyTo        string    `json:"reply_to,omitempty"`   // transport address for outbound replies
	Text           string    `json:"text"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Validate checks the fields every transport must supply.
func (t Turn) Validate() error {
	if strings.TrimSpace(t.ConversationID) == "" {
		return ErrEmptyConversationID
	}
	if len(t.Text) > MaxTurnTextLength {
		return ErrTextTooLong
	}
	return nil
}

// Address returns where replies to t should be sent.
func (t Turn) Address() string {
	if t.ReplyTo != "" {
		return t.ReplyTo
	}
	return t.ConversationID
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is a delivery event for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// RegistrationRequest is the creation record sent to the registration service
// once a profile is complete.
type RegistrationRequest struct {
	ConversationID string `json:"-"`
	Cycle          int    `json:"-"`
	SubmissionID   string `json:"-"` // unique per completed cycle, assigned after the commit
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	DateOfBirth    string `json:"date_of_birth"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Street         string `json:"street"`
	HouseNumber    string `json:"house_number"`
	PostalCode     string `json:"postal_code"`
	City           string `json:"city"`
	Country        string `json:"country"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusDuplicate indicates the turn was already processed.
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Duplicate creates a response for a turn that was already processed.
func Duplicate(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusDuplicate).
		WithMessage(message).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
