// Package pipeline implements the agentic-action pipeline: the permission
// evaluator, the action executor with its confirmation state machine, and the
// per-action handlers. Every mutation Cat performs on a user's behalf flows
// through here.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/catnip/catbot/internal/catalog"
	"github.com/catnip/catbot/internal/store"
)

const (
	reasonNotGranted       = "Permission not granted"
	reasonUnknownAction    = "Unknown action"
	reasonActionDisabled   = "Action is disabled"
	reasonPermissionFailed = "Permission check failed"
)

// Decision is the outcome of a permission check. DailyUsage/DailyLimit are
// populated only when a daily-limited specific grant was consulted;
// MaxSatsPerAction carries the payment cap of whichever grant matched.
type Decision struct {
	Allowed              bool   `json:"allowed"`
	Reason               string `json:"reason,omitempty"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	DailyUsage           *int   `json:"daily_usage,omitempty"`
	DailyLimit           *int   `json:"daily_limit,omitempty"`
	MaxSatsPerAction     *int64 `json:"-"`
}

// GrantOptions are the optional fields of a permission grant. Nil means
// "use the action definition's default" (confirmation) or "unlimited"
// (daily limit, sats cap).
type GrantOptions struct {
	RequiresConfirmation *bool
	DailyLimit           *int
	MaxSatsPerAction     *int64
}

// Evaluator decides allow/deny/requires-confirmation for (user, action) and
// owns all grant writes. It never writes grants during evaluation.
type Evaluator struct {
	store  *store.Store
	logger *charmLog.Logger
}

func NewEvaluator(st *store.Store, logger *charmLog.Logger) *Evaluator {
	if logger == nil {
		logger = charmLog.New(os.Stderr)
	}
	return &Evaluator{store: st, logger: logger}
}

// CheckPermission resolves the effective permission for (user, action):
// specific-action grant, then category-wide grant, then the hard-coded
// category default. It is total over any input: unknown actions and store
// errors deny with a reason rather than propagating an error.
func (e *Evaluator) CheckPermission(ctx context.Context, userID, actionID string) Decision {
	def, ok := catalog.Lookup(actionID)
	if !ok {
		return Decision{Allowed: false, Reason: reasonUnknownAction, RequiresConfirmation: true}
	}
	if !def.Enabled {
		return Decision{Allowed: false, Reason: reasonActionDisabled, RequiresConfirmation: true}
	}

	specific, found, err := e.store.GetGrant(ctx, userID, actionID, def.Category)
	if err != nil {
		e.logger.Error("permission lookup failed", "user_id", userID, "action_id", actionID, "error", err)
		return Decision{Allowed: false, Reason: reasonPermissionFailed, RequiresConfirmation: true}
	}
	if found {
		return e.decideFromGrant(ctx, userID, def, specific, true)
	}

	categoryWide, found, err := e.store.GetGrant(ctx, userID, catalog.Wildcard, def.Category)
	if err != nil {
		e.logger.Error("permission lookup failed", "user_id", userID, "action_id", actionID, "error", err)
		return Decision{Allowed: false, Reason: reasonPermissionFailed, RequiresConfirmation: true}
	}
	if found {
		return e.decideFromGrant(ctx, userID, def, categoryWide, false)
	}

	if !catalog.DefaultPermission(def.Category) {
		return Decision{Allowed: false, Reason: reasonNotGranted, RequiresConfirmation: def.RequiresConfirmation}
	}
	return Decision{Allowed: true, RequiresConfirmation: def.RequiresConfirmation}
}

// decideFromGrant applies one matched grant row. Daily limits only apply at
// the specific-action level; category grants do not carry one.
func (e *Evaluator) decideFromGrant(ctx context.Context, userID string, def catalog.ActionDefinition, g store.Grant, specific bool) Decision {
	if !g.Granted {
		return Decision{Allowed: false, Reason: reasonNotGranted, RequiresConfirmation: def.RequiresConfirmation}
	}

	requiresConfirmation := def.RequiresConfirmation
	if g.RequiresConfirmation != nil {
		requiresConfirmation = *g.RequiresConfirmation
	}

	decision := Decision{
		Allowed:              true,
		RequiresConfirmation: requiresConfirmation,
		MaxSatsPerAction:     g.MaxSatsPerAction,
	}

	if specific && g.DailyLimit != nil {
		usage, err := e.store.CountLogEntriesSince(ctx, userID, def.ID, localMidnight(time.Now()))
		if err != nil {
			e.logger.Error("daily usage count failed", "user_id", userID, "action_id", def.ID, "error", err)
			return Decision{Allowed: false, Reason: reasonPermissionFailed, RequiresConfirmation: true}
		}
		decision.DailyUsage = &usage
		decision.DailyLimit = g.DailyLimit
		if usage >= *g.DailyLimit {
			decision.Allowed = false
			decision.Reason = fmt.Sprintf("Daily limit reached (%d/%d)", usage, *g.DailyLimit)
		}
	}
	return decision
}

// GrantPermission upserts an allowing grant at action or category
// granularity.
func (e *Evaluator) GrantPermission(ctx context.Context, userID, actionID string, category catalog.Category, opts GrantOptions) error {
	return e.store.UpsertGrant(ctx, store.Grant{
		UserID:               userID,
		ActionID:             actionID,
		Category:             category,
		Granted:              true,
		RequiresConfirmation: opts.RequiresConfirmation,
		DailyLimit:           opts.DailyLimit,
		MaxSatsPerAction:     opts.MaxSatsPerAction,
	})
}

// RevokePermission soft-revokes: the row stays, flipped to denied, so a
// later re-grant is a plain upsert.
func (e *Evaluator) RevokePermission(ctx context.Context, userID, actionID string, category catalog.Category) error {
	return e.store.UpsertGrant(ctx, store.Grant{
		UserID:   userID,
		ActionID: actionID,
		Category: category,
		Granted:  false,
	})
}

func (e *Evaluator) GrantCategory(ctx context.Context, userID string, category catalog.Category, opts GrantOptions) error {
	return e.GrantPermission(ctx, userID, catalog.Wildcard, category, opts)
}

// RevokeCategory denies the wildcard grant and every specific-action grant
// in the category, so no stale specific grant survives the lockdown.
func (e *Evaluator) RevokeCategory(ctx context.Context, userID string, category catalog.Category) error {
	if err := e.RevokePermission(ctx, userID, catalog.Wildcard, category); err != nil {
		return err
	}
	return e.store.DenySpecificGrantsInCategory(ctx, userID, category)
}

// CategorySummary aggregates a user's effective permissions over one
// category.
type CategorySummary struct {
	Category        catalog.Category `json:"category"`
	ActionCount     int              `json:"action_count"`
	EnabledCount    int              `json:"enabled_count"`
	HighRiskEnabled bool             `json:"high_risk_enabled"`
}

// PermissionSummary reports, per category, how many actions exist, how many
// are effectively granted, and whether any enabled high-risk action is
// currently allowed. The high-risk flag goes through CheckPermission itself
// so it reflects the full fallback chain, not just stored grants.
func (e *Evaluator) PermissionSummary(ctx context.Context, userID string) ([]CategorySummary, error) {
	summaries := make([]CategorySummary, 0, len(catalog.Categories()))
	for _, category := range catalog.Categories() {
		defs := catalog.ByCategory(category)
		summary := CategorySummary{Category: category, ActionCount: len(defs)}

		categoryEnabled, err := e.categoryEnabled(ctx, userID, category)
		if err != nil {
			return nil, err
		}
		if categoryEnabled {
			summary.EnabledCount = len(defs)
		} else {
			for _, def := range defs {
				g, found, err := e.store.GetGrant(ctx, userID, def.ID, category)
				if err != nil {
					return nil, err
				}
				if found && g.Granted {
					summary.EnabledCount++
				}
			}
		}

		for _, def := range defs {
			if def.RiskLevel != catalog.RiskHigh || !def.Enabled {
				continue
			}
			if e.CheckPermission(ctx, userID, def.ID).Allowed {
				summary.HighRiskEnabled = true
				break
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// categoryEnabled reports whether the whole category is effectively open:
// an allowing wildcard grant, or no wildcard row and an allowing built-in
// default.
func (e *Evaluator) categoryEnabled(ctx context.Context, userID string, category catalog.Category) (bool, error) {
	g, found, err := e.store.GetGrant(ctx, userID, catalog.Wildcard, category)
	if err != nil {
		return false, err
	}
	if found {
		return g.Granted, nil
	}
	return catalog.DefaultPermission(category), nil
}

// localMidnight returns the most recent local midnight before t. Daily
// limits reset on the user-facing calendar day, not a rolling 24h window.
func localMidnight(t time.Time) time.Time {
	local := t.Local()
	year, month, day := local.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, local.Location())
}
