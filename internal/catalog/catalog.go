// Package catalog holds the static registry of actions Cat may perform on a
// user's behalf. Definitions are pure data loaded at process start; every
// permission and execution decision starts from a lookup here.
package catalog

// Category groups actions sharing a permission surface. A category-wide grant
// covers every action in the category unless a specific-action grant says
// otherwise.
type Category string

const (
	CategoryContext       Category = "context"
	CategoryEntities      Category = "entities"
	CategoryCommunication Category = "communication"
	CategoryPayments      Category = "payments"
	CategoryOrganization  Category = "organization"
	CategorySettings      Category = "settings"
)

// Wildcard is the action id used by category-wide permission grants.
const Wildcard = "*"

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ActionDefinition describes one executable action. RequiresConfirmation is
// the default; a permission grant may override it per user.
type ActionDefinition struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Category             Category  `json:"category"`
	RiskLevel            RiskLevel `json:"risk_level"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	Enabled              bool      `json:"enabled"`
}

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{
		CategoryContext,
		CategoryEntities,
		CategoryCommunication,
		CategoryPayments,
		CategoryOrganization,
		CategorySettings,
	}
}

// DefaultPermission is the fail-closed fallback applied when a user has no
// grant at either action or category granularity. Only context reads/writes
// are permitted by default.
func DefaultPermission(category Category) bool {
	return category == CategoryContext
}

var definitions = []ActionDefinition{
	{ID: "save_context", Name: "Save Context", Category: CategoryContext, RiskLevel: RiskLow, RequiresConfirmation: false, Enabled: true},
	{ID: "create_product", Name: "Create Product", Category: CategoryEntities, RiskLevel: RiskMedium, RequiresConfirmation: true, Enabled: true},
	{ID: "update_product", Name: "Update Product", Category: CategoryEntities, RiskLevel: RiskMedium, RequiresConfirmation: true, Enabled: true},
	{ID: "send_message", Name: "Send Message", Category: CategoryCommunication, RiskLevel: RiskMedium, RequiresConfirmation: false, Enabled: true},
	{ID: "post_timeline_note", Name: "Post Timeline Note", Category: CategoryCommunication, RiskLevel: RiskLow, RequiresConfirmation: false, Enabled: true},
	{ID: "send_payment", Name: "Send Payment", Category: CategoryPayments, RiskLevel: RiskHigh, RequiresConfirmation: true, Enabled: true},
	{ID: "create_organization", Name: "Create Organization", Category: CategoryOrganization, RiskLevel: RiskHigh, RequiresConfirmation: true, Enabled: true},
	{ID: "add_organization_member", Name: "Add Organization Member", Category: CategoryOrganization, RiskLevel: RiskMedium, RequiresConfirmation: true, Enabled: true},
	{ID: "update_profile_settings", Name: "Update Profile Settings", Category: CategorySettings, RiskLevel: RiskMedium, RequiresConfirmation: true, Enabled: true},
}

var byID = func() map[string]ActionDefinition {
	m := make(map[string]ActionDefinition, len(definitions))
	for _, def := range definitions {
		m[def.ID] = def
	}
	return m
}()

// Lookup returns the definition for an action id. The second return is false
// for unknown ids; callers must treat unknown as deny.
func Lookup(actionID string) (ActionDefinition, bool) {
	def, ok := byID[actionID]
	return def, ok
}

// All returns every action definition, in registration order. The slice is a
// copy; mutating it does not affect the catalog.
func All() []ActionDefinition {
	out := make([]ActionDefinition, len(definitions))
	copy(out, definitions)
	return out
}

// ByCategory returns the definitions in one category, in registration order.
func ByCategory(category Category) []ActionDefinition {
	var out []ActionDefinition
	for _, def := range definitions {
		if def.Category == category {
			out = append(out, def)
		}
	}
	return out
}

// ValidCategory reports whether the string names a known category.
func ValidCategory(raw string) bool {
	for _, c := range Categories() {
		if Category(raw) == c {
			return true
		}
	}
	return false
}
