package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// defaultListLimit bounds GET /scheduled-executions when no limit is given.
const defaultListLimit = 100

// webhookResult is the body of a successful webhook call.
type webhookResult struct {
	models.PipelineResult
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
}

// webhookHandler handles POST /webhook: one inbound message through the pipeline.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		slog.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var msg models.InboundMessage
	if err := decodeJSON(w, r, &msg); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		if errors.Is(err, errBodyTooLarge) {
			writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error(err.Error()))
			return
		}
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := msg.Validate(); err != nil {
		slog.Warn("Server.webhookHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ctx := r.Context()
	reqID := requestID(ctx)
	if msg.MessageID != "" {
		first, err := s.st.RecordInbound(ctx, msg.MessageID, msg.ConversationID)
		if err != nil {
			slog.Error("Server.webhookHandler: dedup check failed", "requestID", reqID, "messageID", msg.MessageID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record message"))
			return
		}
		if !first {
			slog.Info("Server.webhookHandler: duplicate delivery ignored", "requestID", reqID, "messageID", msg.MessageID, "conversationID", msg.ConversationID)
			writeJSONResponse(w, http.StatusOK, models.Ignored(models.ReasonDuplicate))
			return
		}
	}

	res, err := s.pipeline.Handle(ctx, msg)
	if err != nil {
		slog.Error("Server.webhookHandler: pipeline failed", "requestID", reqID, "conversationID", msg.ConversationID, "error", err)
		// Release the message id so the provider's redelivery is processed.
		if msg.MessageID != "" {
			if ferr := s.st.ForgetInbound(context.WithoutCancel(ctx), msg.MessageID); ferr != nil {
				slog.Error("Server.webhookHandler: failed to release message id", "requestID", reqID, "messageID", msg.MessageID, "error", ferr)
			}
		}
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	slog.Debug("Server.webhookHandler: message handled", "requestID", reqID, "conversationID", msg.ConversationID, "reason", res.Reason, "handled", res.Handled)
	writeJSONResponse(w, http.StatusOK, models.Success(webhookResult{
		PipelineResult: res,
		ConversationID: msg.ConversationID,
		MessageID:      msg.MessageID,
	}))
}

// conversationsHandler routes /conversations/{id}/return-to-bot.
func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/conversations"), "/")
	segments := strings.Split(path, "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] != "return-to-bot" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown conversation endpoint"))
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	s.returnToBotHandler(w, r, segments[0])
}

// returnToBotHandler hands a conversation back to automation.
func (s *Server) returnToBotHandler(w http.ResponseWriter, r *http.Request, conversationID string) {
	state, err := s.handoffs.ReturnToBot(r.Context(), conversationID)
	if errors.Is(err, flow.ErrConversationNotFound) {
		slog.Warn("Server.returnToBotHandler: conversation not found", "conversationID", conversationID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	if err != nil {
		slog.Error("Server.returnToBotHandler: failed", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to return conversation to bot"))
		return
	}
	slog.Info("Server.returnToBotHandler: conversation returned to bot", "conversationID", conversationID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation returned to bot", state))
}

// scheduledExecutionsHandler handles GET /scheduled-executions?status=failed&limit=N.
func (s *Server) scheduledExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	status := models.ExecutionFailed
	if v := q.Get("status"); v != "" {
		status = models.ExecutionStatus(v)
	}
	if !status.IsValid() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid status: "+string(status)))
		return
	}
	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}

	rows, err := s.st.ListExecutionsByStatus(r.Context(), status, limit)
	if err != nil {
		slog.Error("Server.scheduledExecutionsHandler: list failed", "status", status, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list scheduled executions"))
		return
	}
	if rows == nil {
		rows = []models.ScheduledExecution{}
	}
	slog.Debug("Server.scheduledExecutionsHandler: listed", "status", status, "count", len(rows))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"executions": rows,
		"count":      len(rows),
	}))
}

// healthHandler provides a health check endpoint for monitoring and load balancing.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	// In-flight claims double as a store round trip.
	if rows, err := s.st.ListExecutionsByStatus(ctx, models.ExecutionProcessing, 0); err != nil {
		slog.Warn("Health check: store unavailable", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to query store"
	} else {
		healthData["processing_executions"] = len(rows)
		cutoff := s.now().Add(-s.staleAfter)
		stale := 0
		for _, row := range rows {
			if row.ClaimedAt != nil && row.ClaimedAt.Before(cutoff) {
				stale++
			}
		}
		if stale > 0 {
			slog.Warn("Health check: stale processing claims", "count", stale, "staleAfter", s.staleAfter)
			healthData["status"] = "degraded"
			healthData["stale_executions"] = stale
		}
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
