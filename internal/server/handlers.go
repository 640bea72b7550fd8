package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/catnip/catbot/internal/catalog"
	"github.com/catnip/catbot/internal/pipeline"
	"github.com/catnip/catbot/internal/store"
)

// defaultActorID names the agent when the chat layer omits one.
const defaultActorID = "cat"

type executeActionRequest struct {
	ActionID       string          `json:"action_id"`
	Parameters     json.RawMessage `json:"parameters"`
	ActorID        string          `json:"actor_id"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
}

type confirmActionRequest struct {
	ActorID string `json:"actor_id"`
}

type rejectActionRequest struct {
	Reason string `json:"reason"`
}

type putPermissionRequest struct {
	ActionID             string `json:"action_id"`
	Category             string `json:"category"`
	Granted              bool   `json:"granted"`
	RequiresConfirmation *bool  `json:"requires_confirmation"`
	DailyLimit           *int   `json:"daily_limit"`
	MaxSatsPerAction     *int64 `json:"max_sats_per_action"`
}

type pendingActionView struct {
	ID             string          `json:"id"`
	ActionID       string          `json:"action_id"`
	Category       string          `json:"category"`
	Parameters     json.RawMessage `json:"parameters"`
	Description    string          `json:"description"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Status         string          `json:"status"`
	ExpiresAt      string          `json:"expires_at"`
	CreatedAt      string          `json:"created_at"`
}

type logEntryView struct {
	ID             string          `json:"id"`
	ActionID       string          `json:"action_id"`
	Category       string          `json:"category"`
	Parameters     json.RawMessage `json:"parameters"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	SatsAmount     *int64          `json:"sats_amount,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	StartedAt      string          `json:"started_at"`
	CompletedAt    string          `json:"completed_at,omitempty"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": catalog.All()})
}

func (a *App) handlePermissionSummary(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	summaries, err := a.evaluator.PermissionSummary(r.Context(), userID)
	if err != nil {
		a.logger.Error("permission summary failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": summaries})
}

func (a *App) handlePutPermission(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	var req putPermissionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	opts := pipeline.GrantOptions{
		RequiresConfirmation: req.RequiresConfirmation,
		DailyLimit:           req.DailyLimit,
		MaxSatsPerAction:     req.MaxSatsPerAction,
	}

	actionID := strings.TrimSpace(req.ActionID)
	var err error
	switch {
	case actionID == "" || actionID == catalog.Wildcard:
		if !catalog.ValidCategory(req.Category) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown category"})
			return
		}
		category := catalog.Category(req.Category)
		if req.Granted {
			err = a.evaluator.GrantCategory(r.Context(), userID, category, opts)
		} else {
			err = a.evaluator.RevokeCategory(r.Context(), userID, category)
		}
	default:
		def, ok := catalog.Lookup(actionID)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action"})
			return
		}
		if req.Granted {
			err = a.evaluator.GrantPermission(r.Context(), userID, def.ID, def.Category, opts)
		} else {
			err = a.evaluator.RevokePermission(r.Context(), userID, def.ID, def.Category)
		}
	}
	if err != nil {
		a.logger.Error("permission update failed", "user_id", userID, "action_id", actionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	var req executeActionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.ActionID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action_id is required"})
		return
	}

	actorID := req.ActorID
	if actorID == "" {
		actorID = defaultActorID
	}

	result := a.executor.ExecuteAction(r.Context(), userID, actorID, pipeline.ActionRequest{
		ActionID:       req.ActionID,
		Parameters:     req.Parameters,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
	})
	writeJSON(w, http.StatusOK, result)
}

func (a *App) handleConfirmAction(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	pendingActionID := r.PathValue("id")

	var req confirmActionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	actorID := req.ActorID
	if actorID == "" {
		actorID = defaultActorID
	}

	result := a.executor.ConfirmPendingAction(r.Context(), userID, actorID, pendingActionID)
	writeJSON(w, http.StatusOK, result)
}

func (a *App) handleRejectAction(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	pendingActionID := r.PathValue("id")

	var req rejectActionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result := a.executor.RejectPendingAction(r.Context(), userID, pendingActionID, req.Reason)
	writeJSON(w, http.StatusOK, result)
}

func (a *App) handleListPending(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	pending, err := a.executor.ListPendingActions(r.Context(), userID)
	if err != nil {
		a.logger.Error("list pending actions failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	items := make([]pendingActionView, 0, len(pending))
	for _, pa := range pending {
		items = append(items, pendingActionView{
			ID:             pa.ID,
			ActionID:       pa.ActionID,
			Category:       string(pa.Category),
			Parameters:     pa.Parameters,
			Description:    pa.Description,
			ConversationID: pa.ConversationID,
			MessageID:      pa.MessageID,
			Status:         pa.Status,
			ExpiresAt:      formatTimestamp(pa.ExpiresAt),
			CreatedAt:      formatTimestamp(pa.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) handleActionHistory(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	filter := store.HistoryFilter{
		ActionID: r.URL.Query().Get("action_id"),
		Status:   r.URL.Query().Get("status"),
	}
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	entries, err := a.executor.ActionHistory(r.Context(), userID, filter)
	if err != nil {
		a.logger.Error("action history failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	items := make([]logEntryView, 0, len(entries))
	for _, e := range entries {
		items = append(items, logEntryView{
			ID:             e.ID,
			ActionID:       e.ActionID,
			Category:       string(e.Category),
			Parameters:     e.Parameters,
			Status:         e.Status,
			Result:         e.Result,
			ErrorMessage:   e.ErrorMessage,
			SatsAmount:     e.SatsAmount,
			ConversationID: e.ConversationID,
			MessageID:      e.MessageID,
			StartedAt:      formatTimestamp(e.StartedAt),
			CompletedAt:    formatTimestamp(e.CompletedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
