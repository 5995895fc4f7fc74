// Package flow implements the slot-filling dialog: the transition table, the
// answer validators, the message catalogs, and the Engine that runs one
// turn at a time per conversation against a session store.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/registration"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

var (
	// ErrMissingSessionStore is returned by NewEngine without WithSessionStore.
	ErrMissingSessionStore = errors.New("flow: session store is required")
	// ErrMissingSubmitter is returned by NewEngine without WithSubmitter.
	ErrMissingSubmitter = errors.New("flow: registration submitter is required")
	// ErrInvalidTurn wraps a turn that fails models.Turn.Validate.
	ErrInvalidTurn = errors.New("flow: invalid turn")
	// ErrConcurrentUpdate means the session kept changing under the turn.
	ErrConcurrentUpdate = errors.New("flow: session changed concurrently")
)

const (
	// DefaultMaxAttempts bounds load-step-save attempts per turn.
	DefaultMaxAttempts = 3
	// DefaultRetryDelay is the delay before a queued submission is first retried.
	DefaultRetryDelay = 30 * time.Second
)

// SubmissionStatus is what happened to the registration of a completed cycle.
type SubmissionStatus string

const (
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionQueued    SubmissionStatus = "queued"
	SubmissionFailed    SubmissionStatus = "failed"
	SubmissionRejected  SubmissionStatus = "rejected"
)

// SubmissionReport describes the registration attempt of a completed turn.
type SubmissionReport struct {
	Status     SubmissionStatus `json:"status"`
	StatusCode int              `json:"status_code,omitempty"`
	RetryJobID string           `json:"retry_job_id,omitempty"`
}

// TurnResult is returned by HandleTurn. Replies are to be sent in order.
type TurnResult struct {
	ConversationID string            `json:"conversation_id"`
	Kind           TransitionKind    `json:"kind,omitempty"`
	Replies        []string          `json:"replies"`
	PendingSlot    models.Slot       `json:"pending_slot,omitempty"`
	Duplicate      bool              `json:"duplicate,omitempty"`
	Submission     *SubmissionReport `json:"submission,omitempty"`
}

// Engine runs turns: load the session, step the controller, save with a
// version check, then submit if the cycle completed.
type Engine struct {
	sessions    store.SessionRepo
	dedup       store.DedupRepo
	jobs        store.JobRepo
	submitter   registration.Submitter
	controller  *Controller
	metrics     *Metrics
	locks       *keyedMutex
	tracer      trace.Tracer
	maxAttempts int
	retryDelay  time.Duration
	retryMax    int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSessionStore sets the required session store.
func WithSessionStore(s store.SessionRepo) EngineOption {
	return func(e *Engine) { e.sessions = s }
}

// WithSubmitter sets the required registration submitter.
func WithSubmitter(s registration.Submitter) EngineOption {
	return func(e *Engine) { e.submitter = s }
}

// WithDedup enables duplicate suppression by message ID.
func WithDedup(d store.DedupRepo) EngineOption {
	return func(e *Engine) { e.dedup = d }
}

// WithRetryQueue queues failed submissions as durable jobs.
func WithRetryQueue(jobs store.JobRepo, delay time.Duration, maxAttempts int) EngineOption {
	return func(e *Engine) {
		e.jobs = jobs
		if delay > 0 {
			e.retryDelay = delay
		}
		e.retryMax = maxAttempts
	}
}

// WithController replaces the default German controller.
func WithController(c *Controller) EngineOption {
	return func(e *Engine) { e.controller = c }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// NewEngine creates an Engine. A session store and a submitter are required.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		locks:       newKeyedMutex(),
		tracer:      otel.Tracer("github.com/BTreeMap/IntakePipe/internal/flow"),
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.sessions == nil {
		return nil, ErrMissingSessionStore
	}
	if e.submitter == nil {
		return nil, ErrMissingSubmitter
	}
	if e.controller == nil {
		e.controller = NewController(nil, nil)
	}
	slog.Debug("Engine.NewEngine: engine configured", "language", e.controller.catalog.Language,
		"dedup", e.dedup != nil, "retryQueue", e.jobs != nil)
	return e, nil
}

// Catalog returns the texts replies are rendered with.
func (e *Engine) Catalog() *Catalog {
	return e.controller.catalog
}

// HandleTurn processes one inbound utterance. Turns of the same conversation
// are serialized; different conversations run in parallel.
func (e *Engine) HandleTurn(ctx context.Context, turn models.Turn) (*TurnResult, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveTurnLatency(time.Since(start)) }()

	ctx, span := e.tracer.Start(ctx, "flow.HandleTurn", trace.WithAttributes(
		attribute.String("conversation.id", turn.ConversationID),
		attribute.String("message.id", turn.MessageID),
	))
	defer span.End()

	if err := turn.Validate(); err != nil {
		e.metrics.IncrementTurn("error")
		return nil, fmt.Errorf("%w: %v", ErrInvalidTurn, err)
	}

	if turn.MessageID != "" && e.dedup != nil {
		fresh, err := e.dedup.RecordInbound(turn.MessageID, turn.ConversationID)
		if err != nil {
			slog.Warn("Engine.HandleTurn: dedup record failed, processing anyway",
				"conversationID", turn.ConversationID, "messageID", turn.MessageID, "error", err)
		} else if !fresh {
			slog.Info("Engine.HandleTurn: duplicate message dropped",
				"conversationID", turn.ConversationID, "messageID", turn.MessageID)
			e.metrics.IncrementTurn("duplicate")
			span.SetAttributes(attribute.Bool("turn.duplicate", true))
			return &TurnResult{ConversationID: turn.ConversationID, Replies: []string{}, Duplicate: true}, nil
		}
	}

	unlock := e.locks.Lock(turn.ConversationID)
	defer unlock()

	tr, err := e.commit(ctx, turn)
	if err != nil {
		// Nothing was committed, so a redelivery of this message must run again.
		if turn.MessageID != "" && e.dedup != nil {
			if ferr := e.dedup.ForgetInbound(turn.MessageID); ferr != nil {
				slog.Warn("Engine.HandleTurn: forget inbound failed", "messageID", turn.MessageID, "error", ferr)
			}
		}
		e.metrics.IncrementTurn("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		return nil, err
	}

	result := &TurnResult{
		ConversationID: turn.ConversationID,
		Kind:           tr.Kind,
		Replies:        tr.Messages,
		PendingSlot:    tr.Session.PendingSlot,
	}
	if tr.Submission != nil {
		req := *tr.Submission
		req.SubmissionID = uuid.NewString()
		report, message := e.submit(ctx, req)
		result.Submission = report
		result.Replies = append(result.Replies, message)
	}

	if turn.MessageID != "" && e.dedup != nil {
		if err := e.dedup.MarkProcessed(turn.MessageID); err != nil {
			slog.Warn("Engine.HandleTurn: mark processed failed", "messageID", turn.MessageID, "error", err)
		}
	}

	e.metrics.IncrementTurn(string(tr.Kind))
	span.SetAttributes(
		attribute.String("turn.kind", string(tr.Kind)),
		attribute.String("turn.pending_slot", string(result.PendingSlot)),
	)
	slog.Debug("Engine.HandleTurn: turn processed", "conversationID", turn.ConversationID,
		"kind", tr.Kind, "pendingSlot", result.PendingSlot, "replies", len(result.Replies))
	return result, nil
}

// commit loads, steps and saves until the save wins the version check.
// Rejections change nothing and are not written.
func (e *Engine) commit(ctx context.Context, turn models.Turn) (Transition, error) {
	for attempt := 1; ; attempt++ {
		current, err := e.sessions.GetSession(ctx, turn.ConversationID)
		if err != nil {
			return Transition{}, fmt.Errorf("load session %s: %w", turn.ConversationID, err)
		}
		if current == nil {
			current = models.NewSession(turn.ConversationID, turn.UserID, turn.Channel)
		}

		tr := e.controller.Step(*current, turn.Text)
		if tr.Kind == TransitionRejected {
			return tr, nil
		}

		next := tr.Session
		if next.UserID == "" {
			next.UserID = turn.UserID
		}
		if next.Channel == "" {
			next.Channel = turn.Channel
		}

		err = e.sessions.SaveSession(ctx, &next)
		if err == nil {
			tr.Session = next
			return tr, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return Transition{}, fmt.Errorf("save session %s: %w", turn.ConversationID, err)
		}

		e.metrics.IncrementConflict()
		slog.Warn("Engine.commit: session changed concurrently, re-stepping",
			"conversationID", turn.ConversationID, "attempt", attempt, "version", current.Version)
		if attempt >= e.maxAttempts {
			return Transition{}, fmt.Errorf("%w: %s after %d attempts", ErrConcurrentUpdate, turn.ConversationID, attempt)
		}
	}
}

// submit delivers a completed profile once and picks the closing message.
func (e *Engine) submit(ctx context.Context, req models.RegistrationRequest) (*SubmissionReport, string) {
	catalog := e.controller.catalog

	receipt, err := e.submitter.Submit(ctx, req)
	if err == nil {
		e.metrics.IncrementSubmission(SubmissionSubmitted)
		return &SubmissionReport{Status: SubmissionSubmitted, StatusCode: receipt.StatusCode}, catalog.Completed(req.FirstName)
	}

	var regErr *registration.Error
	if errors.As(err, &regErr) && !regErr.Retryable() {
		slog.Warn("Engine.submit: registration rejected", "conversationID", req.ConversationID,
			"cycle", req.Cycle, "status", regErr.StatusCode, "body", regErr.Body)
		e.metrics.IncrementSubmission(SubmissionRejected)
		return &SubmissionReport{Status: SubmissionRejected, StatusCode: regErr.StatusCode}, catalog.ServerRejected
	}

	if e.jobs != nil {
		jobID, qerr := e.enqueueRetry(req)
		if qerr == nil {
			slog.Warn("Engine.submit: registration failed, queued for retry", "conversationID", req.ConversationID,
				"cycle", req.Cycle, "jobID", jobID, "error", err)
			e.metrics.IncrementSubmission(SubmissionQueued)
			return &SubmissionReport{Status: SubmissionQueued, RetryJobID: jobID}, catalog.RetryQueued
		}
		slog.Error("Engine.submit: enqueue retry failed", "conversationID", req.ConversationID, "error", qerr)
	}

	slog.Error("Engine.submit: registration failed, collected profile discarded",
		"conversationID", req.ConversationID, "cycle", req.Cycle, "error", err)
	e.metrics.IncrementSubmission(SubmissionFailed)
	report := &SubmissionReport{Status: SubmissionFailed}
	if regErr != nil {
		report.StatusCode = regErr.StatusCode
	}
	return report, catalog.ConnectionError
}

func (e *Engine) enqueueRetry(req models.RegistrationRequest) (string, error) {
	payload, err := registration.EncodeJobPayload(req)
	if err != nil {
		return "", err
	}
	return e.jobs.EnqueueJob(registration.JobKind, time.Now().Add(e.retryDelay), payload,
		registration.DedupeKey(req), e.retryMax)
}

// Session returns the stored session, or nil if the conversation is unknown.
func (e *Engine) Session(ctx context.Context, conversationID string) (*models.Session, error) {
	return e.sessions.GetSession(ctx, conversationID)
}

// ResetSession forgets a conversation. The next turn starts a new cycle.
func (e *Engine) ResetSession(ctx context.Context, conversationID string) error {
	unlock := e.locks.Lock(conversationID)
	defer unlock()
	if err := e.sessions.DeleteSession(ctx, conversationID); err != nil {
		return err
	}
	slog.Info("Engine.ResetSession: session reset", "conversationID", conversationID)
	return nil
}
