package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/catnip/catbot/internal/store"
)

// HandlerResult is a handler's discriminated outcome. Expected failures
// (ownership, duplicates, missing rows) come back as Success=false with an
// Error; handlers only panic for genuinely unexpected conditions, which the
// executor converts to failed results at its invocation boundary.
type HandlerResult struct {
	Success bool
	Data    json.RawMessage
	Error   string
}

// HandlerFunc performs one action's actual side effect. params is the typed
// struct produced by parseParams for the same action id; handlers assert to
// their concrete type.
type HandlerFunc func(ctx context.Context, st *store.Store, userID, actorID string, params any) HandlerResult

// defaultHandlers builds the handler registry, one entry per catalog action.
// A plain map so a missing handler is a checked condition at execution time,
// not a dispatch crash.
func defaultHandlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"save_context":            handleSaveContext,
		"create_product":          handleCreateProduct,
		"update_product":          handleUpdateProduct,
		"send_message":            handleSendMessage,
		"post_timeline_note":      handlePostTimelineNote,
		"send_payment":            handleSendPayment,
		"create_organization":     handleCreateOrganization,
		"add_organization_member": handleAddOrganizationMember,
		"update_profile_settings": handleUpdateProfileSettings,
	}
}

func handleSaveContext(ctx context.Context, st *store.Store, userID, actorID string, params any) HandlerResult {
	p := params.(SaveContextParams)
	id := store.NewID("ctx")
	if err := st.InsertContextNote(ctx, id, userID, p.Note, time.Now()); err != nil {
		return failure(fmt.Sprintf("save context note: %v", err))
	}
	return success(map[string]any{"note_id": id})
}

func handleCreateProduct(ctx context.Context, st *store.Store, userID, actorID string, params any) HandlerResult {
	p := params.(CreateProductParams)
	product := store.Product{
		ID:          store.NewID("prd"),
		OwnerID:     userID,
		Name:        p.Name,
		Description: p.Description,
		PriceSats:   p.PriceSats,
		CreatedBy:   actorID,
		CreatedAt:   time.Now(),
	}
	if err := st.InsertProduct(ctx, product); err != nil {
		return failure(fmt.Sprintf("create product: %v", err))
	}
	return success(map[string]any{"product_id": product.ID, "name": product.Name})
}

func handleUpdateProduct(ctx context.Context, st *store.Store, userID, actorID string, params any) HandlerResult {
	p := params.(UpdateProductParams)
	updated, err := st.UpdateProduct(ctx, p.ProductID, userID, p.Name, p.Description, p.PriceSats, time.Now())
	if err != nil {
		return failure(fmt.Sprintf("update product: %v", err))
	}
	if !updated {
		return failure("product not found or not owned by user")
	}
	return success(map[string]any{"product_id": p.ProductID})
}

func handleSendMessage(ctx context.Context, st *store.Store, userID, actorID string, params any) HandlerResult {
	p := params.(SendMessageParams)
	msg := store.Message{
		ID:          store.NewID("msg"),
		SenderID:    userID,
		RecipientID: p.RecipientID,
		Content:     p.Content,
		SentBy:      actorID,
		CreatedAt:   time.Now(),
	}
	if err := st.InsertMessage(ctx, msg); err != nil {
		return failure(fmt.Sprintf("send message: %v", err))
	}
	return success(map[string]any{"message_id": msg.ID, "recipient_id": msg.RecipientID})
}

func handlePostTimelineNote(ctx context.Context, st *store.Store, userID, actorID string, params any) HandlerResult {
	p := params.(PostTimelineNoteParams)
	id := store.NewID("tln")
	if err := st.InsertTimelineNote(ctx, id, userID, p.Content, time.Now()); err != nil {
		return failure(fmt.Sprintf("post timeline note: %v", err))
	}
	return success(map[string]any{"note_id": id})
}

func handleSendPayment(ctx context.Context, st *store.Store, userID, actorID string, params any) HandlerResult {
	p := params.(SendPaymentParams)
	payment := store.Payment{
		ID:          store.NewID("pay"),
		SenderID:    userID,
		RecipientID: p.RecipientID,
		AmountSats:  p.AmountSats,
		Memo:        p.Memo,
		SentBy:      actorID,
		CreatedAt:   time.Now(),
	}
	if err := st.InsertPayment(ctx, payment); err != nil {
		return failure(fmt.Sprintf("send payment: %v", err))
	}
	return success(map[string]any{"payment_id": payment.ID, "amount_sats": payment.AmountSats})
}

func handleCreateOrganization(ctx context.Context, st *store.Store, userID, actorID string, params any) HandlerResult {
	p := params.(CreateOrganizationParams)
	org := store.Organization{
		ID:          store.NewID("org"),
		OwnerID:     userID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   time.Now(),
	}
	if err := st.InsertOrganization(ctx, org); err != nil {
		return failure(fmt.Sprintf("create organization: %v", err))
	}
	return success(map[string]any{"organization_id": org.ID, "name": org.Name})
}

func handleAddOrganizationMember(ctx context.Context, st *store.Store, userID, actorID string, params any) HandlerResult {
	p := params.(AddOrganizationMemberParams)

	ownerID, found, err := st.OrganizationOwner(ctx, p.OrganizationID)
	if err != nil {
		return failure(fmt.Sprintf("add organization member: %v", err))
	}
	if !found {
		return failure("organization not found")
	}
	if ownerID != userID {
		return failure("organization not owned by user")
	}

	role := p.Role
	if role == "" {
		role = "member"
	}
	duplicate, err := st.InsertOrganizationMember(ctx, p.OrganizationID, p.MemberID, role, actorID, time.Now())
	if err != nil {
		return failure(fmt.Sprintf("add organization member: %v", err))
	}
	if duplicate {
		return failure("member already belongs to organization")
	}
	return success(map[string]any{"organization_id": p.OrganizationID, "member_id": p.MemberID, "role": role})
}

func handleUpdateProfileSettings(ctx context.Context, st *store.Store, userID, actorID string, params any) HandlerResult {
	p := params.(UpdateProfileSettingsParams)
	if err := st.UpsertProfileSetting(ctx, userID, p.Key, p.Value, time.Now()); err != nil {
		return failure(fmt.Sprintf("update profile settings: %v", err))
	}
	return success(map[string]any{"key": p.Key})
}

func success(data map[string]any) HandlerResult {
	encoded, err := json.Marshal(data)
	if err != nil {
		return failure(fmt.Sprintf("encode handler result: %v", err))
	}
	return HandlerResult{Success: true, Data: encoded}
}

func failure(message string) HandlerResult {
	return HandlerResult{Success: false, Error: message}
}
