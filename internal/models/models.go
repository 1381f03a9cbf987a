package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Channel kinds.
const (
	ChannelWhatsApp  = "whatsapp"
	ChannelInstagram = "instagram"
)

// Conversation workflow statuses.
const (
	ConversationPending  = "pendente"
	ConversationActive   = "ativo"
	ConversationArchived = "arquivado"
)

// Message sender roles.
const (
	SenderContact = "contact"
	SenderSeller  = "seller"
)

// Lead-source tags.
const (
	OrigemInbound     = "inbound"
	OrigemOutbound    = "outbound"
	OrigemIndicacao   = "indicacao"
	OrigemPAP         = "pap"
	OrigemTrafegoPago = "trafego_pago"
)

// Channel is one messaging integration instance for one seller. The provider
// session name is unique per user; connection state lives in the State blob.
type Channel struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	UserID       string          `gorm:"size:36;index;uniqueIndex:idx_channels_user_instance" json:"user_id"`
	ChannelType  string          `gorm:"size:16;not null" json:"channel_type"`
	InstanceName string          `gorm:"size:64;not null;uniqueIndex:idx_channels_user_instance" json:"instance_name"`
	IsActive     bool            `json:"is_active"`
	State        ConnectionState `gorm:"type:text" json:"config"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c *Channel) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Conversation is one thread with one external contact on one channel kind.
// (ChannelType, ExternalContactID) is the reconciliation idempotency key.
type Conversation struct {
	ID                string     `gorm:"primaryKey;size:36" json:"id"`
	ChannelType       string     `gorm:"size:16;not null;uniqueIndex:idx_conversations_channel_contact" json:"channel_type"`
	ExternalContactID string     `gorm:"size:64;not null;uniqueIndex:idx_conversations_channel_contact" json:"external_contact_id"`
	ContactName       string     `gorm:"size:128" json:"contact_name"`
	ContactPhone      string     `gorm:"size:32" json:"contact_phone"`
	Status            string     `gorm:"size:16;index;default:pendente" json:"status"`
	LeadID            *string    `gorm:"size:36" json:"lead_id"`
	Origem            string     `gorm:"size:24" json:"origem"`
	LastMessage       string     `gorm:"type:text" json:"last_message"`
	LastMessageAt     *time.Time `json:"last_message_at"`
	UnreadCount       int        `json:"unread_count"`
	AssignedTo        string     `gorm:"size:36" json:"assigned_to"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Message is one immutable, append-only unit of conversation content.
// When the provider supplies a stable message id, the partial unique index on
// (conversation_id, provider_message_id) absorbs at-least-once redelivery.
type Message struct {
	ID                string    `gorm:"primaryKey;size:36" json:"id"`
	ConversationID    string    `gorm:"size:36;not null;index;uniqueIndex:idx_messages_conv_provider" json:"conversation_id"`
	SenderType        string    `gorm:"size:16;not null" json:"sender_type"`
	SenderID          string    `gorm:"size:36" json:"sender_id"`
	Content           string    `gorm:"type:text" json:"content"`
	MediaType         string    `gorm:"size:16" json:"media_type"`
	MediaURL          string    `gorm:"size:512" json:"media_url"`
	IsRead            bool      `json:"is_read"`
	ProviderMessageID string    `gorm:"size:64;uniqueIndex:idx_messages_conv_provider,where:provider_message_id <> ''" json:"provider_message_id"`
	CreatedAt         time.Time `json:"created_at"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Lead is a CRM lead record created from a conversation or the generic
// webhook's paid-traffic variant.
type Lead struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	Nome          string    `gorm:"size:128;not null" json:"nome"`
	Empresa       string    `gorm:"size:128" json:"empresa"`
	Email         string    `gorm:"size:128" json:"email"`
	Telefone      string    `gorm:"size:32" json:"telefone"`
	Origem        string    `gorm:"size:24" json:"origem"`
	Status        string    `gorm:"size:16;default:novo" json:"status"`
	ResponsavelID string    `gorm:"size:36" json:"responsavel_id"`
	CriadoVia     string    `gorm:"size:16" json:"criado_via"`
	UTMSource     string    `gorm:"size:64" json:"utm_source"`
	UTMMedium     string    `gorm:"size:64" json:"utm_medium"`
	UTMCampaign   string    `gorm:"size:64" json:"utm_campaign"`
	UTMContent    string    `gorm:"size:64" json:"utm_content"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (l *Lead) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// All returns every model the store migrates.
func All() []interface{} {
	return []interface{}{&Channel{}, &Conversation{}, &Message{}, &Lead{}}
}
