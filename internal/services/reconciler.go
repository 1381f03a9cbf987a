package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"zapinbox/internal/adapters/evolution"
	"zapinbox/internal/models"
)

// historyFetchLimit caps how many stored messages are imported per chat
// during bulk sync.
const historyFetchLimit = 50

// ErrLeadExists is returned when promoting a conversation that is already
// linked to a lead.
var ErrLeadExists = errors.New("conversation already linked to a lead")

// ErrConversationNotFound is returned by operations targeting a missing
// conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// ChatFetcher is the slice of the gateway the bulk importer needs.
type ChatFetcher interface {
	FindChats(ctx context.Context, instance string) ([]evolution.Chat, error)
	FindMessages(ctx context.Context, instance, remoteJID string, limit int) ([]evolution.StoredMessage, error)
}

// MessageSender is the slice of the gateway outbound sending needs.
type MessageSender interface {
	SendText(ctx context.Context, instance, number, text string) (string, error)
}

// EventPublisher fans reconciled inbound messages out to a broker. May be
// nil-backed; publish failures never fail ingestion.
type EventPublisher interface {
	PublishJSON(ctx context.Context, eventType string, payload interface{}) error
}

// Reconciler merges inbound provider events and bulk history into the
// conversation/message store without duplication.
type Reconciler struct {
	db        *gorm.DB
	seen      *cache.Cache
	publisher EventPublisher
}

// NewReconciler creates a Reconciler. publisher may be nil.
func NewReconciler(conn *gorm.DB, publisher EventPublisher) *Reconciler {
	return &Reconciler{
		db:        conn,
		seen:      cache.New(10*time.Minute, 30*time.Minute),
		publisher: publisher,
	}
}

// IngestResult reports what one inbound event did to the store.
type IngestResult struct {
	Conversation *models.Conversation
	Message      *models.Message
	Created      bool // conversation was created by this event
	Duplicate    bool // event was a redelivery; nothing was written
}

// convSeed carries the fields a conversation is created with on first
// contact.
type convSeed struct {
	Name        string
	Phone       string
	Origem      string
	LastMessage string
	LastAt      *time.Time
	Unread      int
}

// IngestInbound processes one normalized contact message from the webhook
// path. Safe under concurrent and repeated delivery of the same provider
// event: conversation creation is guarded by the (channel_type,
// external_contact_id) unique index, message appends by the
// (conversation_id, provider_message_id) partial unique index, with an
// in-process cache in front to short-circuit hot replays.
func (r *Reconciler) IngestInbound(ctx context.Context, channelType string, msg *InboundMessage) (*IngestResult, error) {
	dedupKey := ""
	if msg.ProviderMessageID != "" {
		dedupKey = channelType + "|" + msg.ContactID + "|" + msg.ProviderMessageID
		if _, replay := r.seen.Get(dedupKey); replay {
			log.Debug().Str("providerMessageID", msg.ProviderMessageID).Msg("Replayed event suppressed by cache")
			return &IngestResult{Duplicate: true}, nil
		}
	}

	ts := msg.Timestamp
	conv, created, err := r.findOrCreateConversation(ctx, channelType, msg.ContactID, convSeed{
		Name:        msg.ContactName,
		Phone:       msg.ContactID,
		Origem:      models.OrigemInbound,
		LastMessage: msg.Content,
		LastAt:      &ts,
		Unread:      1,
	})
	if err != nil {
		return nil, err
	}

	row := &models.Message{
		ConversationID:    conv.ID,
		SenderType:        models.SenderContact,
		Content:           msg.Content,
		MediaType:         msg.MediaType,
		MediaURL:          msg.MediaURL,
		IsRead:            false,
		ProviderMessageID: msg.ProviderMessageID,
		CreatedAt:         msg.Timestamp,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			log.Info().
				Str("conversationID", conv.ID).
				Str("providerMessageID", msg.ProviderMessageID).
				Msg("Duplicate provider message suppressed")
			return &IngestResult{Conversation: conv, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("append message: %w", err)
	}

	if !created {
		updates := map[string]interface{}{
			"last_message":    msg.Content,
			"last_message_at": msg.Timestamp,
			"unread_count":    gorm.Expr("unread_count + ?", 1),
		}
		// Refresh the display name only when we never had one.
		if conv.ContactName == "" && msg.ContactName != "" {
			updates["contact_name"] = msg.ContactName
		}
		if err := r.db.WithContext(ctx).Model(&models.Conversation{}).
			Where("id = ?", conv.ID).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update conversation aggregates: %w", err)
		}
	}

	if dedupKey != "" {
		r.seen.SetDefault(dedupKey, struct{}{})
	}
	r.publishInbound(ctx, channelType, conv, row)

	log.Info().
		Str("conversationID", conv.ID).
		Str("contactID", msg.ContactID).
		Bool("created", created).
		Msg("Inbound message reconciled")

	return &IngestResult{Conversation: conv, Message: row, Created: created}, nil
}

// DirectMessage is an already-normalized inbound message from the generic
// webhook (automation tooling).
type DirectMessage struct {
	ChannelType       string
	ExternalContactID string
	ContactName       string
	ContactPhone      string
	Content           string
	Origem            string
}

// IngestDirect processes one generic-webhook message.
func (r *Reconciler) IngestDirect(ctx context.Context, msg *DirectMessage) (*IngestResult, error) {
	now := time.Now().UTC()
	phone := msg.ContactPhone
	if phone == "" {
		phone = msg.ExternalContactID
	}
	conv, created, err := r.findOrCreateConversation(ctx, msg.ChannelType, msg.ExternalContactID, convSeed{
		Name:        msg.ContactName,
		Phone:       phone,
		Origem:      msg.Origem,
		LastMessage: msg.Content,
		LastAt:      &now,
		Unread:      1,
	})
	if err != nil {
		return nil, err
	}

	row := &models.Message{
		ConversationID: conv.ID,
		SenderType:     models.SenderContact,
		Content:        msg.Content,
		CreatedAt:      now,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	if !created {
		if err := r.db.WithContext(ctx).Model(&models.Conversation{}).
			Where("id = ?", conv.ID).
			Updates(map[string]interface{}{
				"last_message":    msg.Content,
				"last_message_at": now,
				"unread_count":    gorm.Expr("unread_count + ?", 1),
			}).Error; err != nil {
			return nil, fmt.Errorf("update conversation aggregates: %w", err)
		}
	}

	r.publishInbound(ctx, msg.ChannelType, conv, row)
	return &IngestResult{Conversation: conv, Message: row, Created: created}, nil
}

// findOrCreateConversation looks a conversation up by its unique key and
// creates it when absent. A concurrent-create race loses to the unique index;
// the loser refetches and proceeds as an update.
func (r *Reconciler) findOrCreateConversation(ctx context.Context, channelType, contactID string, seed convSeed) (*models.Conversation, bool, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Where("channel_type = ? AND external_contact_id = ?", channelType, contactID).
		First(&conv).Error
	if err == nil {
		return &conv, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("lookup conversation: %w", err)
	}

	origem := seed.Origem
	if origem == "" {
		origem = models.OrigemInbound
	}
	conv = models.Conversation{
		ChannelType:       channelType,
		ExternalContactID: contactID,
		ContactName:       seed.Name,
		ContactPhone:      seed.Phone,
		Status:            models.ConversationPending,
		Origem:            origem,
		LastMessage:       seed.LastMessage,
		LastMessageAt:     seed.LastAt,
		UnreadCount:       seed.Unread,
	}
	err = r.db.WithContext(ctx).Create(&conv).Error
	if err == nil {
		log.Info().Str("conversationID", conv.ID).Str("contactID", contactID).Msg("Conversation created")
		return &conv, true, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost the create race; the winner's row is authoritative.
		var existing models.Conversation
		if err2 := r.db.WithContext(ctx).
			Where("channel_type = ? AND external_contact_id = ?", channelType, contactID).
			First(&existing).Error; err2 != nil {
			return nil, false, fmt.Errorf("refetch conversation after create race: %w", err2)
		}
		return &existing, false, nil
	}
	return nil, false, fmt.Errorf("create conversation: %w", err)
}

// SyncSummary aggregates one bulk history import.
type SyncSummary struct {
	TotalChats int `json:"total_chats"`
	Synced     int `json:"synced"`
	Errored    int `json:"errors"`
}

// SyncHistory imports a channel's historical chats from the provider. A chat
// whose conversation already holds any message is skipped entirely (coarse
// idempotence boundary against duplicate floods on repeated sync). Per-chat
// failures are counted and logged, never abort the loop.
func (r *Reconciler) SyncHistory(ctx context.Context, gw ChatFetcher, channelType, instance string) (*SyncSummary, error) {
	chats, err := gw.FindChats(ctx, instance)
	if err != nil {
		return nil, fmt.Errorf("fetch chats: %w", err)
	}

	summary := &SyncSummary{TotalChats: len(chats)}
	for _, chat := range chats {
		jid := chat.JID()
		if jid == "" || evolution.IsGroupJID(jid) {
			continue
		}
		if err := r.syncChat(ctx, gw, channelType, instance, chat); err != nil {
			summary.Errored++
			log.Error().Err(err).Str("remoteJID", jid).Msg("Failed to sync chat")
			continue
		}
		summary.Synced++
	}

	log.Info().
		Int("totalChats", summary.TotalChats).
		Int("synced", summary.Synced).
		Int("errored", summary.Errored).
		Str("instance", instance).
		Msg("History sync complete")
	return summary, nil
}

func (r *Reconciler) syncChat(ctx context.Context, gw ChatFetcher, channelType, instance string, chat evolution.Chat) error {
	jid := chat.JID()
	contactID := evolution.JIDUser(jid)

	name := chat.DisplayName()
	if name == "" {
		name = contactID
	}

	conv, _, err := r.findOrCreateConversation(ctx, channelType, contactID, convSeed{
		Name:   name,
		Phone:  contactID,
		Origem: models.OrigemInbound,
	})
	if err != nil {
		return err
	}

	var existing int64
	if err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ?", conv.ID).Count(&existing).Error; err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if existing > 0 {
		log.Debug().Str("conversationID", conv.ID).Msg("Conversation already has messages, skipping history")
		return nil
	}

	stored, err := gw.FindMessages(ctx, instance, jid, historyFetchLimit)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	if len(stored) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]models.Message, 0, len(stored))
	unread := 0
	for i := range stored {
		h := NormalizeStoredMessage(&stored[i], now)
		if h.Unsupported {
			continue
		}
		if h.SenderType == models.SenderContact {
			unread++
		}
		rows = append(rows, models.Message{
			ConversationID:    conv.ID,
			SenderType:        h.SenderType,
			Content:           h.Content,
			MediaType:         h.MediaType,
			MediaURL:          h.MediaURL,
			IsRead:            true,
			ProviderMessageID: h.ProviderMessageID,
			CreatedAt:         h.Timestamp,
		})
	}
	if len(rows) == 0 {
		return nil
	}

	// Provider delivery order is not guaranteed; order by timestamp so the
	// denormalized fields reflect the chronologically-last message.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })

	if err := r.db.WithContext(ctx).CreateInBatches(rows, 100).Error; err != nil {
		return fmt.Errorf("insert history batch: %w", err)
	}

	last := rows[len(rows)-1]
	if err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conv.ID).
		Updates(map[string]interface{}{
			"last_message":    last.Content,
			"last_message_at": last.CreatedAt,
			"unread_count":    unread,
		}).Error; err != nil {
		return fmt.Errorf("update conversation aggregates: %w", err)
	}
	return nil
}

func (r *Reconciler) publishInbound(ctx context.Context, channelType string, conv *models.Conversation, msg *models.Message) {
	if r.publisher == nil {
		return
	}
	payload := map[string]interface{}{
		"conversation_id":     conv.ID,
		"channel_type":        channelType,
		"external_contact_id": conv.ExternalContactID,
		"content":             msg.Content,
		"media_type":          msg.MediaType,
		"provider_message_id": msg.ProviderMessageID,
		"received_at":         msg.CreatedAt,
	}
	if err := r.publisher.PublishJSON(ctx, "inbox.message.received", payload); err != nil {
		log.Error().Err(err).Str("conversationID", conv.ID).Msg("Failed to publish inbound event")
	}
}
