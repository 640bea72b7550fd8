package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/catnip/catbot/internal/catalog"
	"github.com/catnip/catbot/internal/store"
)

func newTestExecutor(t *testing.T) (*Executor, *Evaluator, *store.Store) {
	t.Helper()

	st := newTestStore(t)
	logger := charmLog.New(io.Discard)
	eval := NewEvaluator(st, logger)
	x := NewExecutor(ExecutorConfig{Store: st, Evaluator: eval, Logger: logger})
	return x, eval, st
}

func mustGrant(t *testing.T, eval *Evaluator, userID, actionID string, category catalog.Category, opts GrantOptions) {
	t.Helper()

	if err := eval.GrantPermission(context.Background(), userID, actionID, category, opts); err != nil {
		t.Fatalf("grant %s: %v", actionID, err)
	}
}

func TestExecuteActionUnknown(t *testing.T) {
	t.Parallel()

	x, _, st := newTestExecutor(t)
	ctx := context.Background()

	result := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{ActionID: "launch_missiles"})
	if result.Success || result.Status != StatusFailed {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Error != "Unknown action" {
		t.Fatalf("unexpected error %q", result.Error)
	}

	entries, err := st.ActionHistory(ctx, "usr_a", store.HistoryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("unknown action must not be logged, got %d entries", len(entries))
	}
}

func TestExecuteActionDefaultDeny(t *testing.T) {
	t.Parallel()

	x, _, st := newTestExecutor(t)
	ctx := context.Background()

	result := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "send_payment",
		Parameters: json.RawMessage(`{"recipient_id":"usr_b","amount_sats":100}`),
	})
	if result.Success || result.Status != StatusDenied {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Error != "Permission not granted" {
		t.Fatalf("unexpected error %q", result.Error)
	}

	payments, err := st.PaymentsBySender(ctx, "usr_a")
	if err != nil {
		t.Fatalf("payments: %v", err)
	}
	if len(payments) != 0 {
		t.Fatal("denied action must not mutate")
	}
}

func TestExecuteActionCompletes(t *testing.T) {
	t.Parallel()

	x, eval, st := newTestExecutor(t)
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "send_message", catalog.CategoryCommunication, GrantOptions{})

	result := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:       "send_message",
		Parameters:     json.RawMessage(`{"recipient_id":"usr_b","content":"hi"}`),
		ConversationID: "conv_1",
		MessageID:      "message_1",
	})
	if !result.Success || result.Status != StatusCompleted {
		t.Fatalf("unexpected result %+v", result)
	}

	messages, err := st.MessagesBySender(ctx, "usr_a")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 1 || messages[0].RecipientID != "usr_b" || messages[0].Content != "hi" {
		t.Fatalf("unexpected messages %+v", messages)
	}
	if messages[0].SentBy != "cat" {
		t.Fatalf("expected actor recorded, got %q", messages[0].SentBy)
	}

	entries, err := st.ActionHistory(ctx, "usr_a", store.HistoryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Status != store.LogStatusCompleted {
		t.Fatalf("expected completed log, got %s", entry.Status)
	}
	if entry.ConversationID != "conv_1" || entry.MessageID != "message_1" {
		t.Fatalf("expected chat linkage on log entry, got %+v", entry)
	}
	if entry.CompletedAt.IsZero() {
		t.Fatal("expected completed_at set")
	}
}

func TestExecuteActionParksForConfirmation(t *testing.T) {
	t.Parallel()

	x, eval, st := newTestExecutor(t)
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "create_product", catalog.CategoryEntities, GrantOptions{})

	result := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "create_product",
		Parameters: json.RawMessage(`{"name":"Mug","price_sats":2100}`),
	})
	if !result.Success || result.Status != StatusPendingConfirmation {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.PendingActionID == "" {
		t.Fatal("expected pending action id")
	}

	var data map[string]string
	if err := json.Unmarshal(result.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if !strings.Contains(data["description"], "Mug") {
		t.Fatalf("expected description to mention the product, got %q", data["description"])
	}

	// Nothing runs before confirmation.
	products, err := st.ProductsByOwner(ctx, "usr_a")
	if err != nil {
		t.Fatalf("products: %v", err)
	}
	if len(products) != 0 {
		t.Fatal("handler must not run before confirmation")
	}
	entries, err := st.ActionHistory(ctx, "usr_a", store.HistoryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatal("no audit row before confirmation")
	}
}

func TestConfirmPendingActionExecutes(t *testing.T) {
	t.Parallel()

	x, eval, st := newTestExecutor(t)
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "create_product", catalog.CategoryEntities, GrantOptions{})

	parked := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "create_product",
		Parameters: json.RawMessage(`{"name":"Mug","price_sats":2100}`),
	})
	if parked.Status != StatusPendingConfirmation {
		t.Fatalf("unexpected park result %+v", parked)
	}

	confirmed := x.ConfirmPendingAction(ctx, "usr_a", "cat", parked.PendingActionID)
	if !confirmed.Success || confirmed.Status != StatusCompleted {
		t.Fatalf("unexpected confirm result %+v", confirmed)
	}

	products, err := st.ProductsByOwner(ctx, "usr_a")
	if err != nil {
		t.Fatalf("products: %v", err)
	}
	if len(products) != 1 || products[0].Name != "Mug" || products[0].PriceSats != 2100 {
		t.Fatalf("unexpected products %+v", products)
	}

	entries, err := st.ActionHistory(ctx, "usr_a", store.HistoryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != store.LogStatusCompleted {
		t.Fatalf("expected 1 completed entry, got %+v", entries)
	}

	// The loser of a double confirm gets the indistinguishable error.
	again := x.ConfirmPendingAction(ctx, "usr_a", "cat", parked.PendingActionID)
	if again.Success || again.Error != "Action not found or already processed" {
		t.Fatalf("unexpected second confirm result %+v", again)
	}
	products, err = st.ProductsByOwner(ctx, "usr_a")
	if err != nil {
		t.Fatalf("products: %v", err)
	}
	if len(products) != 1 {
		t.Fatal("double confirm must not execute twice")
	}
}

func TestConfirmPendingActionWrongUser(t *testing.T) {
	t.Parallel()

	x, eval, _ := newTestExecutor(t)
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "create_product", catalog.CategoryEntities, GrantOptions{})
	parked := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "create_product",
		Parameters: json.RawMessage(`{"name":"Mug","price_sats":2100}`),
	})

	result := x.ConfirmPendingAction(ctx, "usr_b", "cat", parked.PendingActionID)
	if result.Success || result.Error != "Action not found or already processed" {
		t.Fatalf("unexpected cross-user result %+v", result)
	}
}

func TestRejectPendingActionTerminal(t *testing.T) {
	t.Parallel()

	x, eval, st := newTestExecutor(t)
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "create_product", catalog.CategoryEntities, GrantOptions{})
	parked := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "create_product",
		Parameters: json.RawMessage(`{"name":"Mug","price_sats":2100}`),
	})

	rejected := x.RejectPendingAction(ctx, "usr_a", parked.PendingActionID, "not today")
	if !rejected.Success || rejected.Status != StatusRejected {
		t.Fatalf("unexpected reject result %+v", rejected)
	}

	pa, _, err := st.PendingAction(ctx, parked.PendingActionID, "usr_a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if pa.Status != store.PendingStatusRejected || pa.RejectionReason != "not today" {
		t.Fatalf("unexpected row %+v", pa)
	}

	// Rejection is terminal; a late confirm cannot revive it.
	confirm := x.ConfirmPendingAction(ctx, "usr_a", "cat", parked.PendingActionID)
	if confirm.Success || confirm.Error != "Action not found or already processed" {
		t.Fatalf("unexpected confirm-after-reject result %+v", confirm)
	}

	products, err := st.ProductsByOwner(ctx, "usr_a")
	if err != nil {
		t.Fatalf("products: %v", err)
	}
	if len(products) != 0 {
		t.Fatal("rejected action must not execute")
	}
}

func TestRejectPendingActionDefaultReason(t *testing.T) {
	t.Parallel()

	x, eval, st := newTestExecutor(t)
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "create_product", catalog.CategoryEntities, GrantOptions{})
	parked := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "create_product",
		Parameters: json.RawMessage(`{"name":"Mug","price_sats":2100}`),
	})

	if result := x.RejectPendingAction(ctx, "usr_a", parked.PendingActionID, ""); !result.Success {
		t.Fatalf("reject: %+v", result)
	}

	pa, _, err := st.PendingAction(ctx, parked.PendingActionID, "usr_a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if pa.RejectionReason != "rejected_by_user" {
		t.Fatalf("expected default reason, got %q", pa.RejectionReason)
	}
}

func TestConfirmExpiredPendingAction(t *testing.T) {
	t.Parallel()

	x, _, st := newTestExecutor(t)
	ctx := context.Background()
	now := time.Now()

	err := st.InsertPendingAction(ctx, store.PendingAction{
		ID:          "pa_stale",
		UserID:      "usr_a",
		ActionID:    "create_product",
		Category:    catalog.CategoryEntities,
		Parameters:  json.RawMessage(`{"name":"Mug","price_sats":2100}`),
		Description: "Create product",
		ExpiresAt:   now.Add(-time.Minute),
		CreatedAt:   now.Add(-25 * time.Hour),
	})
	if err != nil {
		t.Fatalf("insert pending: %v", err)
	}

	result := x.ConfirmPendingAction(ctx, "usr_a", "cat", "pa_stale")
	if result.Success || result.Error != "Action has expired" {
		t.Fatalf("unexpected result %+v", result)
	}

	pa, _, err := st.PendingAction(ctx, "pa_stale", "usr_a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if pa.Status != store.PendingStatusExpired {
		t.Fatalf("expected expired, got %s", pa.Status)
	}

	products, err := st.ProductsByOwner(ctx, "usr_a")
	if err != nil {
		t.Fatalf("products: %v", err)
	}
	if len(products) != 0 {
		t.Fatal("expired action must not execute")
	}
}

func TestExecuteActionValidationFailureLogged(t *testing.T) {
	t.Parallel()

	x, eval, st := newTestExecutor(t)
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "send_message", catalog.CategoryCommunication, GrantOptions{})

	result := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "send_message",
		Parameters: json.RawMessage(`{"recipient_id":"usr_b"}`),
	})
	if result.Success || result.Status != StatusFailed {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Error != "content is required" {
		t.Fatalf("unexpected error %q", result.Error)
	}

	entries, err := st.ActionHistory(ctx, "usr_a", store.HistoryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != store.LogStatusFailed {
		t.Fatalf("expected 1 failed audit entry, got %+v", entries)
	}
	if entries[0].ErrorMessage != "content is required" {
		t.Fatalf("unexpected log error %q", entries[0].ErrorMessage)
	}
}

func TestExecuteActionMaxSatsCap(t *testing.T) {
	t.Parallel()

	x, eval, st := newTestExecutor(t)
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "send_payment", catalog.CategoryPayments, GrantOptions{
		RequiresConfirmation: boolPtr(false),
		MaxSatsPerAction:     int64Ptr(1_000),
	})

	over := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "send_payment",
		Parameters: json.RawMessage(`{"recipient_id":"usr_b","amount_sats":5000}`),
	})
	if over.Success || over.Status != StatusDenied {
		t.Fatalf("unexpected over-cap result %+v", over)
	}
	if over.Error != "Amount 5000 sats exceeds the per-action cap of 1000 sats" {
		t.Fatalf("unexpected error %q", over.Error)
	}

	under := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "send_payment",
		Parameters: json.RawMessage(`{"recipient_id":"usr_b","amount_sats":500,"memo":"for snacks"}`),
	})
	if !under.Success || under.Status != StatusCompleted {
		t.Fatalf("unexpected under-cap result %+v", under)
	}

	payments, err := st.PaymentsBySender(ctx, "usr_a")
	if err != nil {
		t.Fatalf("payments: %v", err)
	}
	if len(payments) != 1 || payments[0].AmountSats != 500 {
		t.Fatalf("unexpected payments %+v", payments)
	}

	entries, err := st.ActionHistory(ctx, "usr_a", store.HistoryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("over-cap denial must not be logged, got %d entries", len(entries))
	}
	if entries[0].SatsAmount == nil || *entries[0].SatsAmount != 500 {
		t.Fatalf("expected sats amount on log, got %v", entries[0].SatsAmount)
	}
}

func TestExecuteActionNoHandler(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	logger := charmLog.New(io.Discard)
	eval := NewEvaluator(st, logger)
	x := NewExecutor(ExecutorConfig{
		Store:     st,
		Evaluator: eval,
		Logger:    logger,
		Handlers:  map[string]HandlerFunc{},
	})
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "send_message", catalog.CategoryCommunication, GrantOptions{})

	result := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "send_message",
		Parameters: json.RawMessage(`{"recipient_id":"usr_b","content":"hi"}`),
	})
	if result.Success || result.Error != "No handler implemented" {
		t.Fatalf("unexpected result %+v", result)
	}

	entries, err := st.ActionHistory(ctx, "usr_a", store.HistoryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != store.LogStatusFailed {
		t.Fatalf("expected failed audit entry, got %+v", entries)
	}
}

func TestExecuteActionHandlerPanic(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	logger := charmLog.New(io.Discard)
	eval := NewEvaluator(st, logger)
	x := NewExecutor(ExecutorConfig{
		Store:     st,
		Evaluator: eval,
		Logger:    logger,
		Handlers: map[string]HandlerFunc{
			"send_message": func(ctx context.Context, st *store.Store, userID, actorID string, params any) HandlerResult {
				panic("kaboom")
			},
		},
	})
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "send_message", catalog.CategoryCommunication, GrantOptions{})

	result := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "send_message",
		Parameters: json.RawMessage(`{"recipient_id":"usr_b","content":"hi"}`),
	})
	if result.Success || result.Status != StatusFailed {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.Contains(result.Error, "handler panic") {
		t.Fatalf("unexpected error %q", result.Error)
	}

	entries, err := st.ActionHistory(ctx, "usr_a", store.HistoryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != store.LogStatusFailed {
		t.Fatalf("expected failed audit entry, got %+v", entries)
	}
}

func TestExecuteActionDailyLimitCountsFailures(t *testing.T) {
	t.Parallel()

	x, eval, _ := newTestExecutor(t)
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "post_timeline_note", catalog.CategoryCommunication, GrantOptions{
		DailyLimit: intPtr(2),
	})

	// Two attempts, one of them a validation failure. Both count.
	if r := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "post_timeline_note",
		Parameters: json.RawMessage(`{"content":"hello world"}`),
	}); r.Status != StatusCompleted {
		t.Fatalf("first attempt: %+v", r)
	}
	if r := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "post_timeline_note",
		Parameters: json.RawMessage(`{}`),
	}); r.Status != StatusFailed {
		t.Fatalf("second attempt: %+v", r)
	}

	third := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "post_timeline_note",
		Parameters: json.RawMessage(`{"content":"one more"}`),
	})
	if third.Success || third.Status != StatusDenied {
		t.Fatalf("expected limit denial, got %+v", third)
	}
	if third.Error != "Daily limit reached (2/2)" {
		t.Fatalf("unexpected error %q", third.Error)
	}
}

func TestListPendingActionsNewestFirst(t *testing.T) {
	t.Parallel()

	x, eval, _ := newTestExecutor(t)
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "create_product", catalog.CategoryEntities, GrantOptions{})

	first := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "create_product",
		Parameters: json.RawMessage(`{"name":"Mug","price_sats":100}`),
	})
	time.Sleep(5 * time.Millisecond)
	second := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
		ActionID:   "create_product",
		Parameters: json.RawMessage(`{"name":"Bowl","price_sats":200}`),
	})

	pending, err := x.ListPendingActions(ctx, "usr_a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].ID != second.PendingActionID || pending[1].ID != first.PendingActionID {
		t.Fatalf("expected newest first, got %s then %s", pending[0].ID, pending[1].ID)
	}
}

func TestActionHistoryLimitClamped(t *testing.T) {
	t.Parallel()

	x, eval, _ := newTestExecutor(t)
	ctx := context.Background()

	mustGrant(t, eval, "usr_a", "save_context", catalog.CategoryContext, GrantOptions{})

	for i := 0; i < 3; i++ {
		if r := x.ExecuteAction(ctx, "usr_a", "cat", ActionRequest{
			ActionID:   "save_context",
			Parameters: json.RawMessage(`{"note":"remember this"}`),
		}); r.Status != StatusCompleted {
			t.Fatalf("attempt %d: %+v", i, r)
		}
	}

	entries, err := x.ActionHistory(ctx, "usr_a", store.HistoryFilter{Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected limit honored, got %d", len(entries))
	}

	entries, err = x.ActionHistory(ctx, "usr_a", store.HistoryFilter{Limit: 100_000})
	if err != nil {
		t.Fatalf("history with huge limit: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected all 3 entries, got %d", len(entries))
	}
}
