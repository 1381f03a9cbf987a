package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"zapinbox/internal/adapters/evolution"
	"zapinbox/internal/db"
	"zapinbox/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn, models.All()...))
	return conn
}

func inbound(contactID, name, providerID, content string, at time.Time) *InboundMessage {
	return &InboundMessage{
		ContactID:         contactID,
		ContactName:       name,
		ProviderMessageID: providerID,
		Content:           content,
		Timestamp:         at,
	}
}

func TestIngestInboundCreatesPendingConversation(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)
	now := time.Now().UTC().Truncate(time.Second)

	result, err := r.IngestInbound(context.Background(), models.ChannelWhatsApp,
		inbound("551199", "Maria", "m1", "oi", now))
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.False(t, result.Duplicate)

	conv := result.Conversation
	assert.Equal(t, models.ConversationPending, conv.Status)
	assert.Equal(t, models.OrigemInbound, conv.Origem)
	assert.Equal(t, "Maria", conv.ContactName)
	assert.Equal(t, "oi", conv.LastMessage)
	assert.Equal(t, 1, conv.UnreadCount)

	var msgs []models.Message
	require.NoError(t, conn.Where("conversation_id = ?", conv.ID).Find(&msgs).Error)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SenderContact, msgs[0].SenderType)
	assert.False(t, msgs[0].IsRead)
}

func TestIngestInboundAccumulatesUnread(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)
	now := time.Now().UTC()

	for i := 1; i <= 3; i++ {
		_, err := r.IngestInbound(context.Background(), models.ChannelWhatsApp,
			inbound("551199", "Maria", fmt.Sprintf("m%d", i), fmt.Sprintf("msg %d", i), now.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	var conv models.Conversation
	require.NoError(t, conn.Where("channel_type = ? AND external_contact_id = ?", models.ChannelWhatsApp, "551199").First(&conv).Error)
	assert.Equal(t, 3, conv.UnreadCount)
	assert.Equal(t, "msg 3", conv.LastMessage)

	var count int64
	require.NoError(t, conn.Model(&models.Message{}).Where("conversation_id = ?", conv.ID).Count(&count).Error)
	assert.EqualValues(t, 3, count)
}

func TestIngestInboundRedeliverySuppressed(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)
	now := time.Now().UTC()
	msg := inbound("551199", "Maria", "m1", "oi", now)

	first, err := r.IngestInbound(context.Background(), models.ChannelWhatsApp, msg)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	// Cache fast path.
	second, err := r.IngestInbound(context.Background(), models.ChannelWhatsApp, msg)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	// Fresh reconciler, cold cache: the unique index is the backstop.
	third, err := NewReconciler(conn, nil).IngestInbound(context.Background(), models.ChannelWhatsApp, msg)
	require.NoError(t, err)
	assert.True(t, third.Duplicate)

	var conv models.Conversation
	require.NoError(t, conn.Where("external_contact_id = ?", "551199").First(&conv).Error)
	assert.Equal(t, 1, conv.UnreadCount)

	var count int64
	require.NoError(t, conn.Model(&models.Message{}).Where("conversation_id = ?", conv.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestInboundContactNameOnlyFillsEmpty(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)
	now := time.Now().UTC()

	first := inbound("551199", "", "m1", "oi", now)
	result, err := r.IngestInbound(context.Background(), models.ChannelWhatsApp, first)
	require.NoError(t, err)
	assert.Empty(t, result.Conversation.ContactName)

	_, err = r.IngestInbound(context.Background(), models.ChannelWhatsApp,
		inbound("551199", "Maria", "m2", "oi de novo", now.Add(time.Second)))
	require.NoError(t, err)

	var conv models.Conversation
	require.NoError(t, conn.Where("external_contact_id = ?", "551199").First(&conv).Error)
	assert.Equal(t, "Maria", conv.ContactName)

	// An already-set name is never overwritten by later pushes.
	_, err = r.IngestInbound(context.Background(), models.ChannelWhatsApp,
		inbound("551199", "Maria Silva", "m3", "mais uma", now.Add(2*time.Second)))
	require.NoError(t, err)
	require.NoError(t, conn.Where("external_contact_id = ?", "551199").First(&conv).Error)
	assert.Equal(t, "Maria", conv.ContactName)
}

func TestIngestInboundLosesConversationCreateRace(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)
	now := time.Now().UTC().Truncate(time.Second)

	// Just before the ingest's conversation insert begins, land a competing
	// row under the same (channel_type, external_contact_id) key on a
	// separate connection, the way a concurrent delivery would.
	const competingID = "11111111-1111-1111-1111-111111111111"
	armed := true
	require.NoError(t, conn.Callback().Create().Before("gorm:begin_transaction").
		Register("test_competing_insert", func(tx *gorm.DB) {
			if !armed || tx.Statement.Table != "conversations" {
				return
			}
			armed = false
			tx.AddError(conn.Exec(
				`INSERT INTO conversations
				 (id, channel_type, external_contact_id, contact_name, contact_phone,
				  status, origem, last_message, last_message_at, unread_count, assigned_to,
				  created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				competingID, models.ChannelWhatsApp, "551199", "", "551199",
				models.ConversationPending, models.OrigemInbound, "primeira", now, 1, "",
				now, now).Error)
		}))
	t.Cleanup(func() { conn.Callback().Create().Remove("test_competing_insert") })

	result, err := r.IngestInbound(context.Background(), models.ChannelWhatsApp,
		inbound("551199", "Maria", "m2", "segunda", now.Add(time.Second)))
	require.NoError(t, err)

	// The loser refetches the winner's row and proceeds as an update.
	assert.False(t, result.Created)
	assert.Equal(t, competingID, result.Conversation.ID)

	var total int64
	require.NoError(t, conn.Model(&models.Conversation{}).Count(&total).Error)
	assert.EqualValues(t, 1, total)

	var conv models.Conversation
	require.NoError(t, conn.Where("id = ?", competingID).First(&conv).Error)
	assert.Equal(t, "segunda", conv.LastMessage)
	assert.Equal(t, 2, conv.UnreadCount)
	assert.Equal(t, "Maria", conv.ContactName) // fills the winner's empty name

	var msgs []models.Message
	require.NoError(t, conn.Where("conversation_id = ?", competingID).Find(&msgs).Error)
	require.Len(t, msgs, 1)
	assert.Equal(t, "segunda", msgs[0].Content)
}

// fakeFetcher serves canned chats and per-chat message sets, with optional
// error injection.
type fakeFetcher struct {
	chats    []evolution.Chat
	messages map[string][]evolution.StoredMessage
	failFor  map[string]bool
}

func (f *fakeFetcher) FindChats(ctx context.Context, instance string) ([]evolution.Chat, error) {
	return f.chats, nil
}

func (f *fakeFetcher) FindMessages(ctx context.Context, instance, remoteJID string, limit int) ([]evolution.StoredMessage, error) {
	if f.failFor[remoteJID] {
		return nil, errors.New("provider exploded")
	}
	return f.messages[remoteJID], nil
}

func storedText(jid, id, content string, fromMe bool, ts int64) evolution.StoredMessage {
	return evolution.StoredMessage{
		Key:              evolution.MessageKey{RemoteJID: jid, FromMe: fromMe, ID: id},
		Message:          &evolution.MessageContent{Conversation: content},
		MessageTimestamp: json.Number(fmt.Sprintf("%d", ts)),
	}
}

func TestSyncHistoryImportsChats(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)

	jid := "551199@s.whatsapp.net"
	fetcher := &fakeFetcher{
		chats: []evolution.Chat{
			{ID: jid, Name: "Maria"},
			{ID: "12036316@g.us", Name: "Grupo"},
		},
		messages: map[string][]evolution.StoredMessage{
			jid: {
				storedText(jid, "m2", "tudo bem?", true, 1714000100),
				storedText(jid, "m1", "oi", false, 1714000000),
				storedText(jid, "m3", "sim!", false, 1714000200),
				{Key: evolution.MessageKey{RemoteJID: jid, ID: "m4"}, Message: &evolution.MessageContent{}},
			},
		},
	}

	summary, err := r.SyncHistory(context.Background(), fetcher, models.ChannelWhatsApp, "sales")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalChats)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 0, summary.Errored)

	var conv models.Conversation
	require.NoError(t, conn.Where("external_contact_id = ?", "551199").First(&conv).Error)
	assert.Equal(t, "Maria", conv.ContactName)
	assert.Equal(t, "sim!", conv.LastMessage)
	assert.Equal(t, 2, conv.UnreadCount) // only contact-authored rows count

	var msgs []models.Message
	require.NoError(t, conn.Where("conversation_id = ?", conv.ID).Order("created_at ASC").Find(&msgs).Error)
	require.Len(t, msgs, 3) // unsupported row dropped
	assert.Equal(t, "oi", msgs[0].Content)
	assert.Equal(t, "sim!", msgs[2].Content)

	// No group conversation was created.
	var total int64
	require.NoError(t, conn.Model(&models.Conversation{}).Count(&total).Error)
	assert.EqualValues(t, 1, total)
}

func TestSyncHistoryIsIdempotent(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)

	jid := "551199@s.whatsapp.net"
	fetcher := &fakeFetcher{
		chats: []evolution.Chat{{ID: jid, Name: "Maria"}},
		messages: map[string][]evolution.StoredMessage{
			jid: {storedText(jid, "m1", "oi", false, 1714000000)},
		},
	}

	_, err := r.SyncHistory(context.Background(), fetcher, models.ChannelWhatsApp, "sales")
	require.NoError(t, err)

	summary, err := r.SyncHistory(context.Background(), fetcher, models.ChannelWhatsApp, "sales")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced) // skipped chats still count as synced

	var count int64
	require.NoError(t, conn.Model(&models.Message{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestSyncHistoryIsolatesChatFailures(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)

	chats := make([]evolution.Chat, 0, 5)
	messages := map[string][]evolution.StoredMessage{}
	for i := 0; i < 5; i++ {
		jid := fmt.Sprintf("55119900%d@s.whatsapp.net", i)
		chats = append(chats, evolution.Chat{ID: jid, Name: fmt.Sprintf("Contato %d", i)})
		messages[jid] = []evolution.StoredMessage{storedText(jid, fmt.Sprintf("m%d", i), "oi", false, 1714000000)}
	}
	fetcher := &fakeFetcher{
		chats:    chats,
		messages: messages,
		failFor:  map[string]bool{"551199002@s.whatsapp.net": true},
	}

	summary, err := r.SyncHistory(context.Background(), fetcher, models.ChannelWhatsApp, "sales")
	require.NoError(t, err)
	assert.Equal(t, 5, summary.TotalChats)
	assert.Equal(t, 4, summary.Synced)
	assert.Equal(t, 1, summary.Errored)
}

func TestAcceptAssignsAndActivates(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)
	now := time.Now().UTC()

	result, err := r.IngestInbound(context.Background(), models.ChannelWhatsApp,
		inbound("551199", "Maria", "m1", "oi", now))
	require.NoError(t, err)

	conv, err := r.Accept(context.Background(), result.Conversation.ID, "user-1", true)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationActive, conv.Status)
	assert.Equal(t, "user-1", conv.AssignedTo)
	require.NotNil(t, conv.LeadID)

	var lead models.Lead
	require.NoError(t, conn.Where("id = ?", *conv.LeadID).First(&lead).Error)
	assert.Equal(t, "Maria", lead.Nome)
	assert.Equal(t, "user-1", lead.ResponsavelID)
	assert.Equal(t, models.ChannelWhatsApp, lead.CriadoVia)
}

func TestPromoteToLeadRejectsSecondLead(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)
	now := time.Now().UTC()

	result, err := r.IngestInbound(context.Background(), models.ChannelWhatsApp,
		inbound("551199", "Maria", "m1", "oi", now))
	require.NoError(t, err)

	lead, err := r.PromoteToLead(context.Background(), result.Conversation.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Maria", lead.Nome)

	_, err = r.PromoteToLead(context.Background(), result.Conversation.ID, "user-1")
	assert.ErrorIs(t, err, ErrLeadExists)

	_, err = r.PromoteToLead(context.Background(), "missing-id", "user-1")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestListMessagesMarkRead(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)
	now := time.Now().UTC()

	result, err := r.IngestInbound(context.Background(), models.ChannelWhatsApp,
		inbound("551199", "Maria", "m1", "oi", now))
	require.NoError(t, err)
	_, err = r.IngestInbound(context.Background(), models.ChannelWhatsApp,
		inbound("551199", "Maria", "m2", "tem alguém?", now.Add(time.Second)))
	require.NoError(t, err)

	msgs, err := r.ListMessages(context.Background(), result.Conversation.ID, true)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "oi", msgs[0].Content)

	var conv models.Conversation
	require.NoError(t, conn.Where("id = ?", result.Conversation.ID).First(&conv).Error)
	assert.Equal(t, 0, conv.UnreadCount)

	var unread int64
	require.NoError(t, conn.Model(&models.Message{}).
		Where("conversation_id = ? AND is_read = ?", conv.ID, false).Count(&unread).Error)
	assert.EqualValues(t, 0, unread)
}

type fakeSender struct {
	lastNumber string
	lastText   string
	err        error
}

func (f *fakeSender) SendText(ctx context.Context, instance, number, text string) (string, error) {
	f.lastNumber = number
	f.lastText = text
	if f.err != nil {
		return "", f.err
	}
	return "prov-1", nil
}

func TestSendOutbound(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)
	now := time.Now().UTC()

	result, err := r.IngestInbound(context.Background(), models.ChannelWhatsApp,
		inbound("551199", "Maria", "m1", "oi", now))
	require.NoError(t, err)
	convID := result.Conversation.ID

	sender := &fakeSender{}
	msg, err := r.SendOutbound(context.Background(), sender, "sales", convID, "user-1", "bom dia!")
	require.NoError(t, err)
	assert.Equal(t, models.SenderSeller, msg.SenderType)
	assert.Equal(t, "551199", sender.lastNumber)
	assert.Equal(t, "bom dia!", sender.lastText)

	var stored models.Message
	require.NoError(t, conn.Where("id = ?", msg.ID).First(&stored).Error)
	assert.Equal(t, "prov-1", stored.ProviderMessageID)

	var conv models.Conversation
	require.NoError(t, conn.Where("id = ?", convID).First(&conv).Error)
	assert.Equal(t, "bom dia!", conv.LastMessage)
	assert.Equal(t, 1, conv.UnreadCount) // outbound sends never touch unread
}

func TestSendOutboundSurfacesProviderFailure(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)
	now := time.Now().UTC()

	result, err := r.IngestInbound(context.Background(), models.ChannelWhatsApp,
		inbound("551199", "Maria", "m1", "oi", now))
	require.NoError(t, err)

	sender := &fakeSender{err: errors.New("gateway down")}
	_, err = r.SendOutbound(context.Background(), sender, "sales", result.Conversation.ID, "user-1", "bom dia!")
	require.Error(t, err)

	// The attempt is still visible in the thread.
	var count int64
	require.NoError(t, conn.Model(&models.Message{}).
		Where("conversation_id = ? AND sender_type = ?", result.Conversation.ID, models.SenderSeller).
		Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestDirectAndWebhookLead(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)

	result, err := r.IngestDirect(context.Background(), &DirectMessage{
		ChannelType:       models.ChannelInstagram,
		ExternalContactID: "insta-42",
		ContactName:       "João",
		Content:           "vi o anúncio",
		Origem:            models.OrigemTrafegoPago,
	})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, models.OrigemTrafegoPago, result.Conversation.Origem)
	assert.Equal(t, "insta-42", result.Conversation.ContactPhone)

	lead := &models.Lead{Nome: "João", Telefone: "551188"}
	require.NoError(t, r.CreateLeadFromWebhook(context.Background(), lead))
	assert.NotEmpty(t, lead.ID)
	assert.Equal(t, models.OrigemTrafegoPago, lead.Origem)
	assert.Equal(t, "webhook", lead.CriadoVia)
}

func TestListConversationsFiltersByStatus(t *testing.T) {
	conn := newTestDB(t)
	r := NewReconciler(conn, nil)
	now := time.Now().UTC()

	a, err := r.IngestInbound(context.Background(), models.ChannelWhatsApp,
		inbound("551101", "A", "m1", "oi", now))
	require.NoError(t, err)
	_, err = r.IngestInbound(context.Background(), models.ChannelWhatsApp,
		inbound("551102", "B", "m2", "olá", now.Add(time.Second)))
	require.NoError(t, err)

	require.NoError(t, r.Archive(context.Background(), a.Conversation.ID))

	pending, err := r.ListConversations(context.Background(), models.ConversationPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "551102", pending[0].ExternalContactID)

	all, err := r.ListConversations(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
