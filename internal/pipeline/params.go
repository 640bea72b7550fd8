package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Parameters for each action, decoded and validated at the executor boundary
// so handlers can assume well-typed input. The action-block parser upstream
// guarantees the raw payload is a JSON object; everything stricter happens
// here.

type SaveContextParams struct {
	Note string `json:"note"`
}

type CreateProductParams struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceSats   int64  `json:"price_sats"`
}

type UpdateProductParams struct {
	ProductID   string `json:"product_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceSats   int64  `json:"price_sats"`
}

type SendMessageParams struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
}

type PostTimelineNoteParams struct {
	Content string `json:"content"`
}

type SendPaymentParams struct {
	RecipientID string `json:"recipient_id"`
	AmountSats  int64  `json:"amount_sats"`
	Memo        string `json:"memo"`
}

type CreateOrganizationParams struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type AddOrganizationMemberParams struct {
	OrganizationID string `json:"organization_id"`
	MemberID       string `json:"member_id"`
	Role           string `json:"role"`
}

type UpdateProfileSettingsParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// parseParams decodes raw parameters into the typed struct for actionID and
// validates required fields. The returned value is one of the *Params
// structs above; handlers type-assert on it.
func parseParams(actionID string, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	switch actionID {
	case "save_context":
		var p SaveContextParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Note) == "" {
			return nil, fmt.Errorf("note is required")
		}
		return p, nil

	case "create_product":
		var p CreateProductParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("name is required")
		}
		if p.PriceSats < 0 {
			return nil, fmt.Errorf("price_sats must not be negative")
		}
		return p, nil

	case "update_product":
		var p UpdateProductParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.ProductID) == "" {
			return nil, fmt.Errorf("product_id is required")
		}
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("name is required")
		}
		if p.PriceSats < 0 {
			return nil, fmt.Errorf("price_sats must not be negative")
		}
		return p, nil

	case "send_message":
		var p SendMessageParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.RecipientID) == "" {
			return nil, fmt.Errorf("recipient_id is required")
		}
		if strings.TrimSpace(p.Content) == "" {
			return nil, fmt.Errorf("content is required")
		}
		return p, nil

	case "post_timeline_note":
		var p PostTimelineNoteParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Content) == "" {
			return nil, fmt.Errorf("content is required")
		}
		return p, nil

	case "send_payment":
		var p SendPaymentParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.RecipientID) == "" {
			return nil, fmt.Errorf("recipient_id is required")
		}
		if p.AmountSats <= 0 {
			return nil, fmt.Errorf("amount_sats must be positive")
		}
		return p, nil

	case "create_organization":
		var p CreateOrganizationParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("name is required")
		}
		return p, nil

	case "add_organization_member":
		var p AddOrganizationMemberParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.OrganizationID) == "" {
			return nil, fmt.Errorf("organization_id is required")
		}
		if strings.TrimSpace(p.MemberID) == "" {
			return nil, fmt.Errorf("member_id is required")
		}
		return p, nil

	case "update_profile_settings":
		var p UpdateProfileSettingsParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Key) == "" {
			return nil, fmt.Errorf("key is required")
		}
		return p, nil

	default:
		return nil, fmt.Errorf("no parameter schema for action %q", actionID)
	}
}

func decodeParams(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// satsAmount extracts the payment amount when the typed parameters carry
// one, for the audit log's sats_amount column.
func satsAmount(params any) *int64 {
	if p, ok := params.(SendPaymentParams); ok {
		amount := p.AmountSats
		return &amount
	}
	return nil
}
