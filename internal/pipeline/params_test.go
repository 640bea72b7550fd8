package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/catnip/catbot/internal/catalog"
)

func TestParseParamsValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		actionID string
		raw      string
		wantErr  string
	}{
		{"save_context ok", "save_context", `{"note":"likes mugs"}`, ""},
		{"save_context missing note", "save_context", `{}`, "note is required"},
		{"create_product ok", "create_product", `{"name":"Mug","price_sats":2100}`, ""},
		{"create_product missing name", "create_product", `{"price_sats":2100}`, "name is required"},
		{"create_product negative price", "create_product", `{"name":"Mug","price_sats":-1}`, "price_sats must not be negative"},
		{"update_product missing id", "update_product", `{"name":"Mug"}`, "product_id is required"},
		{"send_message ok", "send_message", `{"recipient_id":"usr_b","content":"hi"}`, ""},
		{"send_message blank content", "send_message", `{"recipient_id":"usr_b","content":"   "}`, "content is required"},
		{"send_payment ok", "send_payment", `{"recipient_id":"usr_b","amount_sats":100}`, ""},
		{"send_payment zero amount", "send_payment", `{"recipient_id":"usr_b","amount_sats":0}`, "amount_sats must be positive"},
		{"send_payment negative amount", "send_payment", `{"recipient_id":"usr_b","amount_sats":-5}`, "amount_sats must be positive"},
		{"add_member missing org", "add_organization_member", `{"member_id":"usr_b"}`, "organization_id is required"},
		{"profile settings missing key", "update_profile_settings", `{"value":"dark"}`, "key is required"},
		{"empty payload defaults to object", "post_timeline_note", ``, "content is required"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := parseParams(tc.actionID, json.RawMessage(tc.raw))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if err == nil || err.Error() != tc.wantErr {
				t.Fatalf("expected error %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestParseParamsMalformedJSON(t *testing.T) {
	t.Parallel()

	if _, err := parseParams("send_message", json.RawMessage(`{"recipient_id":`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestParseParamsUnknownAction(t *testing.T) {
	t.Parallel()

	if _, err := parseParams("launch_missiles", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestSatsAmount(t *testing.T) {
	t.Parallel()

	if amount := satsAmount(SendPaymentParams{AmountSats: 2100}); amount == nil || *amount != 2100 {
		t.Fatalf("expected 2100, got %v", amount)
	}
	if amount := satsAmount(SendMessageParams{}); amount != nil {
		t.Fatalf("expected nil for non-payment params, got %v", amount)
	}
}

func TestDescribeAction(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		actionID string
		params   any
		want     string
	}{
		{"payment with memo", "send_payment", SendPaymentParams{RecipientID: "usr_b", AmountSats: 500, Memo: "for snacks"}, "Send 500 sats to usr_b (for snacks)"},
		{"payment without memo", "send_payment", SendPaymentParams{RecipientID: "usr_b", AmountSats: 500}, "Send 500 sats to usr_b"},
		{"product", "create_product", CreateProductParams{Name: "Mug", PriceSats: 2100}, `Create product "Mug" priced at 2100 sats`},
		{"organization member", "add_organization_member", AddOrganizationMemberParams{OrganizationID: "org_1", MemberID: "usr_b"}, "Add usr_b to organization org_1"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			def, ok := catalog.Lookup(tc.actionID)
			if !ok {
				t.Fatalf("unknown action %s", tc.actionID)
			}
			if got := describeAction(def, tc.params); got != tc.want {
				t.Fatalf("describe = %q, want %q", got, tc.want)
			}
		})
	}
}
