package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// ChannelAPI labels turns posted to /api/messages.
const ChannelAPI = "api"

// messageRequest is the body of POST /api/messages.
type messageRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Text           string `json:"text"`
}

// messageHandler runs one direct-line turn (POST /api/messages).
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	turn := models.Turn{
		ConversationID: strings.TrimSpace(req.ConversationID),
		UserID:         req.UserID,
		Channel:        ChannelAPI,
		MessageID:      req.MessageID,
		Text:           req.Text,
		ReceivedAt:     time.Now(),
	}
	result, err := s.engine.HandleTurn(r.Context(), turn)
	switch {
	case errors.Is(err, flow.ErrInvalidTurn):
		slog.Warn("Server.messageHandler: invalid turn", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	case errors.Is(err, flow.ErrConcurrentUpdate):
		slog.Warn("Server.messageHandler: conversation busy", "conversationID", turn.ConversationID)
		writeJSONResponse(w, http.StatusConflict, models.Error("Conversation was updated concurrently, please retry"))
		return
	case err != nil:
		slog.Error("Server.messageHandler: turn failed", "conversationID", turn.ConversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	if result.Duplicate {
		slog.Info("Server.messageHandler: duplicate message", "conversationID", turn.ConversationID, "messageID", turn.MessageID)
		writeJSONResponse(w, http.StatusOK, models.Duplicate("Message already processed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// getSessionHandler returns the session summary (GET /api/sessions/{conversationID}).
// Collected values are not exposed.
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	sess, err := s.engine.Session(r.Context(), conversationID)
	if err != nil {
		slog.Error("Server.getSessionHandler: load failed", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess.Summary()))
}

// resetSessionHandler forgets a conversation (DELETE /api/sessions/{conversationID}).
func (s *Server) resetSessionHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := s.engine.ResetSession(r.Context(), conversationID); err != nil {
		slog.Error("Server.resetSessionHandler: reset failed", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset session"))
		return
	}
	slog.Info("Server.resetSessionHandler: session reset", "conversationID", conversationID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}

// getJobHandler returns a retry job (GET /api/jobs/{jobID}).
func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job inspection is not configured"))
		return
	}
	jobID := chi.URLParam(r, "jobID")
	job, err := s.jobs.GetJob(jobID)
	if err != nil {
		slog.Error("Server.getJobHandler: load failed", "jobID", jobID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load job"))
		return
	}
	if job == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(job))
}

// healthHandler runs every registered check (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), DefaultHealthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "healthy"
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			slog.Warn("Server.healthHandler: check failed", "check", name, "error", err)
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	healthData := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}
	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
