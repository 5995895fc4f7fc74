package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

// JobKind is the durable job kind used for deferred submissions.
const JobKind = "registration_submit"

// Submitter delivers a registration request. *Client satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req models.RegistrationRequest) (*Receipt, error)
}

// Compile-time check that Client implements Submitter.
var _ Submitter = (*Client)(nil)

// jobPayload is persisted in the job row. ConversationID, Cycle and
// SubmissionID are not part of the wire format, so they are carried explicitly.
type jobPayload struct {
	ConversationID string                     `json:"conversation_id"`
	Cycle          int                        `json:"cycle"`
	SubmissionID   string                     `json:"submission_id,omitempty"`
	Request        models.RegistrationRequest `json:"request"`
}

// EncodeJobPayload serializes req for EnqueueJob.
func EncodeJobPayload(req models.RegistrationRequest) (string, error) {
	data, err := json.Marshal(jobPayload{
		ConversationID: req.ConversationID,
		Cycle:          req.Cycle,
		SubmissionID:   req.SubmissionID,
		Request:        req,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode registration job: %w", err)
	}
	return string(data), nil
}

// DecodeJobPayload is the inverse of EncodeJobPayload.
func DecodeJobPayload(payload string) (models.RegistrationRequest, error) {
	var p jobPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return models.RegistrationRequest{}, fmt.Errorf("failed to decode registration job: %w", err)
	}
	req := p.Request
	req.ConversationID = p.ConversationID
	req.Cycle = p.Cycle
	req.SubmissionID = p.SubmissionID
	return req, nil
}

// DedupeKey identifies one completed cycle so the same profile is never
// queued twice. The cycle counter restarts when a session is deleted or
// expires, so the key is built from the SubmissionID. Requests without one
// are not deduplicated.
func DedupeKey(req models.RegistrationRequest) string {
	if req.SubmissionID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s", JobKind, req.ConversationID, req.SubmissionID)
}

// RetryHandler resubmits queued registrations. Retryable failures are
// returned so the runner backs off; rejected records complete the job.
func RetryHandler(s Submitter) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		req, err := DecodeJobPayload(payload)
		if err != nil {
			slog.Error("registration.RetryHandler: dropping undecodable payload", "error", err)
			return nil
		}
		if _, err := s.Submit(ctx, req); err != nil {
			if IsRetryable(err) {
				return err
			}
			slog.Error("registration.RetryHandler: registration rejected, giving up",
				"conversationID", req.ConversationID, "cycle", req.Cycle, "error", err)
			return nil
		}
		slog.Info("registration.RetryHandler: queued registration delivered",
			"conversationID", req.ConversationID, "cycle", req.Cycle)
		return nil
	}
}
