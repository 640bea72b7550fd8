package pipeline

import (
	"fmt"

	"github.com/catnip/catbot/internal/catalog"
)

// describeAction renders the human-readable summary shown on a confirmation
// prompt. Pure function of (definition, typed parameters); any action
// without a specific template degrades to "Execute <name>", so adding a new
// action never breaks the confirmation flow.
func describeAction(def catalog.ActionDefinition, params any) string {
	switch p := params.(type) {
	case SendPaymentParams:
		if p.Memo != "" {
			return fmt.Sprintf("Send %d sats to %s (%s)", p.AmountSats, p.RecipientID, p.Memo)
		}
		return fmt.Sprintf("Send %d sats to %s", p.AmountSats, p.RecipientID)
	case SendMessageParams:
		return fmt.Sprintf("Send a message to %s", p.RecipientID)
	case CreateProductParams:
		return fmt.Sprintf("Create product %q priced at %d sats", p.Name, p.PriceSats)
	case UpdateProductParams:
		return fmt.Sprintf("Update product %s", p.ProductID)
	case CreateOrganizationParams:
		return fmt.Sprintf("Create organization %q", p.Name)
	case AddOrganizationMemberParams:
		return fmt.Sprintf("Add %s to organization %s", p.MemberID, p.OrganizationID)
	case UpdateProfileSettingsParams:
		return fmt.Sprintf("Set profile setting %q", p.Key)
	default:
		return "Execute " + def.Name
	}
}
