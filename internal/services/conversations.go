package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"zapinbox/internal/models"
)

// ListConversations returns conversations for the inbox list view, most
// recently active first. status filters when non-empty.
func (r *Reconciler) ListConversations(ctx context.Context, status string) ([]models.Conversation, error) {
	var convs []models.Conversation
	q := r.db.WithContext(ctx).Model(&models.Conversation{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Order("last_message_at DESC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// ListMessages returns a conversation's messages in chronological order. With
// markRead, contact messages are flagged read and the unread counter reset.
func (r *Reconciler) ListMessages(ctx context.Context, conversationID string, markRead bool) ([]models.Message, error) {
	if _, err := r.getConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	var msgs []models.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	if markRead {
		if err := r.db.WithContext(ctx).Model(&models.Message{}).
			Where("conversation_id = ? AND sender_type = ? AND is_read = ?", conversationID, models.SenderContact, false).
			Update("is_read", true).Error; err != nil {
			return nil, fmt.Errorf("mark messages read: %w", err)
		}
		if err := r.db.WithContext(ctx).Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Update("unread_count", 0).Error; err != nil {
			return nil, fmt.Errorf("reset unread count: %w", err)
		}
	}
	return msgs, nil
}

// Accept moves a pending conversation into the active workflow, assigns it to
// the accepting user and optionally creates a lead from the contact data.
func (r *Reconciler) Accept(ctx context.Context, conversationID, userID string, createLead bool) (*models.Conversation, error) {
	conv, err := r.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"status":      models.ConversationActive,
		"assigned_to": userID,
	}

	if createLead && conv.LeadID == nil {
		lead, err := r.createLeadFromConversation(ctx, conv, userID)
		if err != nil {
			return nil, err
		}
		updates["lead_id"] = lead.ID
	}

	if err := r.db.WithContext(ctx).Model(conv).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("accept conversation: %w", err)
	}
	log.Info().Str("conversationID", conv.ID).Str("userID", userID).Msg("Conversation accepted")
	return r.getConversation(ctx, conversationID)
}

// Archive moves a conversation to the archived status.
func (r *Reconciler) Archive(ctx context.Context, conversationID string) error {
	conv, err := r.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Model(conv).
		Update("status", models.ConversationArchived).Error; err != nil {
		return fmt.Errorf("archive conversation: %w", err)
	}
	return nil
}

// UpdateOrigem overrides a conversation's lead-source tag.
func (r *Reconciler) UpdateOrigem(ctx context.Context, conversationID, origem string) error {
	conv, err := r.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Model(conv).
		Update("origem", origem).Error; err != nil {
		return fmt.Errorf("update origem: %w", err)
	}
	return nil
}

// PromoteToLead creates a lead from a conversation's contact data and links
// it. Fails with ErrLeadExists when the conversation already has one.
func (r *Reconciler) PromoteToLead(ctx context.Context, conversationID, userID string) (*models.Lead, error) {
	conv, err := r.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.LeadID != nil {
		return nil, ErrLeadExists
	}

	lead, err := r.createLeadFromConversation(ctx, conv, userID)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(conv).
		Update("lead_id", lead.ID).Error; err != nil {
		return nil, fmt.Errorf("link lead: %w", err)
	}
	log.Info().Str("conversationID", conv.ID).Str("leadID", lead.ID).Msg("Conversation promoted to lead")
	return lead, nil
}

func (r *Reconciler) createLeadFromConversation(ctx context.Context, conv *models.Conversation, userID string) (*models.Lead, error) {
	nome := conv.ContactName
	if nome == "" {
		nome = conv.ContactPhone
	}
	origem := conv.Origem
	if origem == "" {
		origem = models.OrigemInbound
	}
	lead := &models.Lead{
		Nome:          nome,
		Telefone:      conv.ContactPhone,
		Origem:        origem,
		ResponsavelID: userID,
		CriadoVia:     conv.ChannelType,
	}
	if err := r.db.WithContext(ctx).Create(lead).Error; err != nil {
		return nil, fmt.Errorf("create lead: %w", err)
	}
	return lead, nil
}

// CreateLeadFromWebhook records a lead delivered by the generic webhook's
// paid-traffic variant.
func (r *Reconciler) CreateLeadFromWebhook(ctx context.Context, lead *models.Lead) error {
	if lead.Origem == "" {
		lead.Origem = models.OrigemTrafegoPago
	}
	if lead.CriadoVia == "" {
		lead.CriadoVia = "webhook"
	}
	if err := r.db.WithContext(ctx).Create(lead).Error; err != nil {
		return fmt.Errorf("create lead: %w", err)
	}
	return nil
}

// SendOutbound persists a seller message and forwards it through the gateway.
// The message row is written first so a provider failure still leaves the
// operator's attempt visible; the send error is surfaced either way.
func (r *Reconciler) SendOutbound(ctx context.Context, gw MessageSender, instance, conversationID, senderID, content string) (*models.Message, error) {
	conv, err := r.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	row := &models.Message{
		ConversationID: conv.ID,
		SenderType:     models.SenderSeller,
		SenderID:       senderID,
		Content:        content,
		IsRead:         true,
		CreatedAt:      now,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("persist outbound message: %w", err)
	}

	if err := r.db.WithContext(ctx).Model(conv).
		Updates(map[string]interface{}{
			"last_message":    content,
			"last_message_at": now,
		}).Error; err != nil {
		return nil, fmt.Errorf("update conversation aggregates: %w", err)
	}

	providerID, err := gw.SendText(ctx, instance, conv.ContactPhone, content)
	if err != nil {
		log.Error().Err(err).Str("conversationID", conv.ID).Msg("Failed to forward outbound message")
		return row, fmt.Errorf("forward message: %w", err)
	}

	if providerID != "" {
		if err := r.db.WithContext(ctx).Model(row).
			Update("provider_message_id", providerID).Error; err != nil {
			log.Warn().Err(err).Str("messageID", row.ID).Msg("Failed to record provider message id")
		}
	}
	return row, nil
}

func (r *Reconciler) getConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	return &conv, nil
}
