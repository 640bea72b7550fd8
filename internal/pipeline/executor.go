package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/catnip/catbot/internal/catalog"
	"github.com/catnip/catbot/internal/store"
)

// Result statuses for one action attempt. "pending_confirmation" is not
// terminal for the attempt; the confirm/reject path resolves it later.
const (
	StatusDenied              = "denied"
	StatusPendingConfirmation = "pending_confirmation"
	StatusCompleted           = "completed"
	StatusFailed              = "failed"
	StatusRejected            = "rejected"
)

const (
	defaultPendingActionTTL  = 24 * time.Hour
	defaultHistoryLimit      = 50
	maxHistoryLimit          = 200
	errNotFoundOrProcessed   = "Action not found or already processed"
	errActionExpired         = "Action has expired"
	errNoHandler             = "No handler implemented"
	errActionUnavailable     = "Action is no longer available"
	errAuditLogUnavailable   = "Action aborted: audit log unavailable"
	errMaxSatsExceededFormat = "Amount %d sats exceeds the per-action cap of %d sats"
)

// Result is the discriminated outcome of every public executor method.
// Success means "accepted into the pipeline", not "side effect applied":
// a pending_confirmation result is Success=true with no mutation yet.
// Callers must branch on Status.
type Result struct {
	Success         bool            `json:"success"`
	Status          string          `json:"status"`
	Error           string          `json:"error,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	PendingActionID string          `json:"pending_action_id,omitempty"`
}

// ActionRequest is a validated request handed over by the action-block
// parser. Parameters is guaranteed upstream to be a JSON object.
type ActionRequest struct {
	ActionID       string          `json:"action_id"`
	Parameters     json.RawMessage `json:"parameters"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
}

// Executor orchestrates evaluator, pending-action ledger, handlers, and the
// action log. It is the only writer of the action log, and nothing it
// returns is ever a raw panic or store error.
type Executor struct {
	store            *store.Store
	evaluator        *Evaluator
	handlers         map[string]HandlerFunc
	logger           *charmLog.Logger
	pendingActionTTL time.Duration
}

type ExecutorConfig struct {
	Store     *store.Store
	Evaluator *Evaluator
	Logger    *charmLog.Logger
	// Handlers overrides the default registry; nil installs the full set.
	Handlers map[string]HandlerFunc
	// PendingActionTTL bounds how long a confirmation prompt stays valid.
	PendingActionTTL time.Duration
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.New(os.Stderr)
	}
	handlers := cfg.Handlers
	if handlers == nil {
		handlers = defaultHandlers()
	}
	ttl := cfg.PendingActionTTL
	if ttl <= 0 {
		ttl = defaultPendingActionTTL
	}
	return &Executor{
		store:            cfg.Store,
		evaluator:        cfg.Evaluator,
		handlers:         handlers,
		logger:           logger,
		pendingActionTTL: ttl,
	}
}

// ExecuteAction runs the full attempt state machine: validate the action,
// check permission, then either park the action for confirmation or perform
// it immediately.
func (x *Executor) ExecuteAction(ctx context.Context, userID, actorID string, req ActionRequest) Result {
	def, ok := catalog.Lookup(req.ActionID)
	if !ok {
		return Result{Success: false, Status: StatusFailed, Error: reasonUnknownAction}
	}
	if !def.Enabled {
		return Result{Success: false, Status: StatusFailed, Error: reasonActionDisabled}
	}

	decision := x.evaluator.CheckPermission(ctx, userID, req.ActionID)
	if !decision.Allowed {
		return Result{Success: false, Status: StatusDenied, Error: decision.Reason}
	}

	params, err := parseParams(def.ID, req.Parameters)
	if err != nil {
		// Validation failures still leave an audit trail.
		return x.recordValidationFailure(ctx, userID, def, req, err)
	}

	if denied := checkSatsCap(def, decision, params); denied != nil {
		return *denied
	}

	if decision.RequiresConfirmation {
		return x.parkForConfirmation(ctx, userID, def, req, params)
	}

	return x.performAction(ctx, userID, actorID, def, params, req)
}

// parkForConfirmation writes a pending-action ledger row and returns its
// handle. No handler runs until the row is confirmed.
func (x *Executor) parkForConfirmation(ctx context.Context, userID string, def catalog.ActionDefinition, req ActionRequest, params any) Result {
	now := time.Now()
	description := describeAction(def, params)
	pending := store.PendingAction{
		ID:             store.NewID("pa"),
		UserID:         userID,
		ActionID:       def.ID,
		Category:       def.Category,
		Parameters:     normalizeParameters(req.Parameters),
		Description:    description,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		ExpiresAt:      now.Add(x.pendingActionTTL),
		CreatedAt:      now,
	}
	if err := x.store.InsertPendingAction(ctx, pending); err != nil {
		x.logger.Error("insert pending action failed", "user_id", userID, "action_id", def.ID, "error", err)
		return Result{Success: false, Status: StatusFailed, Error: "Could not queue action for confirmation"}
	}

	data, _ := json.Marshal(map[string]string{"description": description})
	x.logger.Info("action awaiting confirmation",
		"user_id", userID, "action_id", def.ID, "pending_action_id", pending.ID)
	return Result{
		Success:         true,
		Status:          StatusPendingConfirmation,
		PendingActionID: pending.ID,
		Data:            data,
	}
}

// performAction is shared by the immediate path and the confirmation path:
// audit row in executing state, handler lookup, invocation, terminal audit
// update. The ordering check to log to handler to log is never reordered.
func (x *Executor) performAction(ctx context.Context, userID, actorID string, def catalog.ActionDefinition, params any, req ActionRequest) Result {
	logID := store.NewID("log")
	entry := store.LogEntry{
		ID:             logID,
		UserID:         userID,
		ActionID:       def.ID,
		Category:       def.Category,
		Parameters:     normalizeParameters(req.Parameters),
		Status:         store.LogStatusExecuting,
		SatsAmount:     satsAmount(params),
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		StartedAt:      time.Now(),
	}

	auditable := true
	if err := x.store.InsertLogEntry(ctx, entry); err != nil {
		x.logger.Error("action log insert failed", "user_id", userID, "action_id", def.ID, "error", err)
		if def.RiskLevel == catalog.RiskHigh {
			// High-risk actions never mutate without a trail.
			return Result{Success: false, Status: StatusFailed, Error: errAuditLogUnavailable}
		}
		auditable = false
	}

	handler, ok := x.handlers[def.ID]
	if !ok {
		x.finalizeLog(ctx, auditable, logID, store.LogStatusFailed, nil, errNoHandler)
		return Result{Success: false, Status: StatusFailed, Error: errNoHandler}
	}

	result := x.invokeHandler(ctx, handler, userID, actorID, params, def.ID)
	if !result.Success {
		x.finalizeLog(ctx, auditable, logID, store.LogStatusFailed, nil, result.Error)
		return Result{Success: false, Status: StatusFailed, Error: result.Error}
	}

	x.finalizeLog(ctx, auditable, logID, store.LogStatusCompleted, result.Data, "")
	x.logger.Info("action executed", "user_id", userID, "actor_id", actorID, "action_id", def.ID, "log_id", logID)
	return Result{Success: true, Status: StatusCompleted, Data: result.Data}
}

// invokeHandler is the single place handler panics are converted to failed
// results; nothing above the executor ever sees one.
func (x *Executor) invokeHandler(ctx context.Context, handler HandlerFunc, userID, actorID string, params any, actionID string) (result HandlerResult) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("handler panicked", "action_id", actionID, "panic", r)
			result = HandlerResult{Success: false, Error: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return handler(ctx, x.store, userID, actorID, params)
}

func (x *Executor) finalizeLog(ctx context.Context, auditable bool, logID, status string, data json.RawMessage, errorMessage string) {
	if !auditable {
		return
	}
	if err := x.store.FinalizeLogEntry(ctx, logID, status, data, errorMessage, time.Now()); err != nil {
		x.logger.Error("action log finalize failed", "log_id", logID, "status", status, "error", err)
	}
}

// recordValidationFailure writes the executing-then-failed audit pair for a
// request whose parameters never reached a handler.
func (x *Executor) recordValidationFailure(ctx context.Context, userID string, def catalog.ActionDefinition, req ActionRequest, cause error) Result {
	logID := store.NewID("log")
	entry := store.LogEntry{
		ID:             logID,
		UserID:         userID,
		ActionID:       def.ID,
		Category:       def.Category,
		Parameters:     normalizeParameters(req.Parameters),
		Status:         store.LogStatusExecuting,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		StartedAt:      time.Now(),
	}
	if err := x.store.InsertLogEntry(ctx, entry); err != nil {
		x.logger.Error("action log insert failed", "user_id", userID, "action_id", def.ID, "error", err)
	} else {
		x.finalizeLog(ctx, true, logID, store.LogStatusFailed, nil, cause.Error())
	}
	return Result{Success: false, Status: StatusFailed, Error: cause.Error()}
}

// checkSatsCap enforces a grant's max_sats_per_action for payment actions.
// The cap lives on the grant but cannot be checked inside CheckPermission,
// which never sees parameters.
func checkSatsCap(def catalog.ActionDefinition, decision Decision, params any) *Result {
	if def.Category != catalog.CategoryPayments || decision.MaxSatsPerAction == nil {
		return nil
	}
	amount := satsAmount(params)
	if amount == nil || *amount <= *decision.MaxSatsPerAction {
		return nil
	}
	return &Result{
		Success: false,
		Status:  StatusDenied,
		Error:   fmt.Sprintf(errMaxSatsExceededFormat, *amount, *decision.MaxSatsPerAction),
	}
}

// ConfirmPendingAction resolves a parked action. Concurrent confirms race on
// the conditional pending-to-confirmed update; exactly one wins and executes.
func (x *Executor) ConfirmPendingAction(ctx context.Context, userID, actorID, pendingActionID string) Result {
	pending, found, err := x.store.PendingAction(ctx, pendingActionID, userID)
	if err != nil {
		x.logger.Error("pending action lookup failed", "pending_action_id", pendingActionID, "error", err)
		return Result{Success: false, Status: StatusFailed, Error: errNotFoundOrProcessed}
	}
	if !found || pending.Status != store.PendingStatusPending {
		return Result{Success: false, Status: StatusFailed, Error: errNotFoundOrProcessed}
	}

	now := time.Now()
	if now.After(pending.ExpiresAt) {
		if err := x.store.ExpirePendingAction(ctx, pendingActionID, userID); err != nil && !errors.Is(err, store.ErrNotPending) {
			x.logger.Error("expire pending action failed", "pending_action_id", pendingActionID, "error", err)
		}
		return Result{Success: false, Status: StatusFailed, Error: errActionExpired}
	}

	if err := x.store.ConfirmPendingAction(ctx, pendingActionID, userID, now); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			return Result{Success: false, Status: StatusFailed, Error: errNotFoundOrProcessed}
		}
		x.logger.Error("confirm pending action failed", "pending_action_id", pendingActionID, "error", err)
		return Result{Success: false, Status: StatusFailed, Error: errNotFoundOrProcessed}
	}

	// The definition may have been disabled since the row was created.
	def, ok := catalog.Lookup(pending.ActionID)
	if !ok || !def.Enabled {
		return Result{Success: false, Status: StatusFailed, Error: errActionUnavailable}
	}

	params, err := parseParams(def.ID, pending.Parameters)
	if err != nil {
		return x.recordValidationFailure(ctx, userID, def, ActionRequest{
			ActionID:       pending.ActionID,
			Parameters:     pending.Parameters,
			ConversationID: pending.ConversationID,
			MessageID:      pending.MessageID,
		}, err)
	}

	x.logger.Info("pending action confirmed", "user_id", userID, "pending_action_id", pendingActionID, "action_id", def.ID)
	return x.performAction(ctx, userID, actorID, def, params, ActionRequest{
		ActionID:       pending.ActionID,
		Parameters:     pending.Parameters,
		ConversationID: pending.ConversationID,
		MessageID:      pending.MessageID,
	})
}

// RejectPendingAction moves a pending row to its terminal rejected state.
// No handler runs.
func (x *Executor) RejectPendingAction(ctx context.Context, userID, pendingActionID, reason string) Result {
	if reason == "" {
		reason = "rejected_by_user"
	}
	if err := x.store.RejectPendingAction(ctx, pendingActionID, userID, reason, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			return Result{Success: false, Status: StatusFailed, Error: errNotFoundOrProcessed}
		}
		x.logger.Error("reject pending action failed", "pending_action_id", pendingActionID, "error", err)
		return Result{Success: false, Status: StatusFailed, Error: errNotFoundOrProcessed}
	}
	x.logger.Info("pending action rejected", "user_id", userID, "pending_action_id", pendingActionID, "reason", reason)
	return Result{Success: true, Status: StatusRejected}
}

// ListPendingActions returns the user's live confirmation prompts, newest
// first; rows past their cutoff are filtered out without a sweep.
func (x *Executor) ListPendingActions(ctx context.Context, userID string) ([]store.PendingAction, error) {
	return x.store.ListPendingActions(ctx, userID, time.Now())
}

// ActionHistory pages over the user's audit trail, newest first.
func (x *Executor) ActionHistory(ctx context.Context, userID string, f store.HistoryFilter) ([]store.LogEntry, error) {
	if f.Limit <= 0 {
		f.Limit = defaultHistoryLimit
	}
	if f.Limit > maxHistoryLimit {
		f.Limit = maxHistoryLimit
	}
	return x.store.ActionHistory(ctx, userID, f)
}

// normalizeParameters keeps stored parameters a valid JSON object even when
// the caller sent nothing.
func normalizeParameters(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
