package services

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"zapinbox/internal/adapters/evolution"
	"zapinbox/internal/models"
)

// Synthetic content placeholders for non-text media kinds.
const (
	PlaceholderImage       = "[Imagem]"
	PlaceholderAudio       = "[Áudio]"
	PlaceholderUnsupported = "[Mensagem não suportada]"
)

// SkipReason says why an event was ignored; empty means "process it".
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipNonMessageEvent SkipReason = "non-message event ignored"
	SkipOutgoingEcho    SkipReason = "outgoing message ignored"
	SkipGroupMessage    SkipReason = "group message ignored"
	SkipMalformed       SkipReason = "malformed payload ignored"
)

// InboundMessage is the canonical form of one contact-authored provider
// message, ready for reconciliation.
type InboundMessage struct {
	ContactID         string
	ContactName       string
	ProviderMessageID string
	Content           string
	MediaType         string
	MediaURL          string
	Timestamp         time.Time
}

// NormalizeWebhookEvent converts a provider webhook event into an
// InboundMessage, or reports why it must be skipped. It never fails upward:
// anything unusable becomes a skip.
func NormalizeWebhookEvent(ev *evolution.WebhookEvent, now time.Time) (*InboundMessage, SkipReason) {
	if ev == nil {
		return nil, SkipMalformed
	}
	if ev.Event != evolution.EventMessagesUpsert {
		return nil, SkipNonMessageEvent
	}
	if ev.Data.Key.FromMe {
		// Outbound echoes are recorded by the sending path, not re-ingested.
		return nil, SkipOutgoingEcho
	}

	jid := ev.Data.Key.RemoteJID
	if jid == "" {
		log.Warn().Str("instance", ev.Instance).Msg("Message event without remote JID, skipping")
		return nil, SkipMalformed
	}
	if evolution.IsGroupJID(jid) {
		return nil, SkipGroupMessage
	}

	contactID := evolution.JIDUser(jid)
	content, mediaType, mediaURL := extractContent(ev.Data.Message)

	name := ev.Data.PushName
	if name == "" {
		name = contactID
	}

	return &InboundMessage{
		ContactID:         contactID,
		ContactName:       name,
		ProviderMessageID: ev.Data.Key.ID,
		Content:           content,
		MediaType:         mediaType,
		MediaURL:          mediaURL,
		Timestamp:         parseTimestamp(ev.Data.MessageTimestamp.String(), now),
	}, SkipNone
}

// HistoryMessage is the canonical form of one stored provider message during
// bulk sync. Unsupported rows are dropped by the importer.
type HistoryMessage struct {
	SenderType        string
	Content           string
	MediaType         string
	MediaURL          string
	ProviderMessageID string
	Timestamp         time.Time
	Unsupported       bool
}

// NormalizeStoredMessage maps one findMessages row for history import.
func NormalizeStoredMessage(msg *evolution.StoredMessage, now time.Time) HistoryMessage {
	content, mediaType, mediaURL := extractContent(msg.Message)

	sender := models.SenderContact
	if msg.Key.FromMe {
		sender = models.SenderSeller
	}

	return HistoryMessage{
		SenderType:        sender,
		Content:           content,
		MediaType:         mediaType,
		MediaURL:          mediaURL,
		ProviderMessageID: msg.Key.ID,
		Timestamp:         parseTimestamp(msg.MessageTimestamp.String(), now),
		Unsupported:       content == "" || content == PlaceholderUnsupported,
	}
}

// extractContent applies the documented priority order over the provider's
// media-kind-dependent content object.
func extractContent(m *evolution.MessageContent) (content, mediaType, mediaURL string) {
	switch {
	case m == nil:
		return PlaceholderUnsupported, "", ""
	case m.Conversation != "":
		return m.Conversation, "", ""
	case m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "":
		return m.ExtendedTextMessage.Text, "", ""
	case m.ImageMessage != nil:
		content = m.ImageMessage.Caption
		if content == "" {
			content = PlaceholderImage
		}
		return content, "image", m.ImageMessage.URL
	case m.AudioMessage != nil:
		return PlaceholderAudio, "audio", m.AudioMessage.URL
	case m.DocumentMessage != nil:
		fileName := m.DocumentMessage.FileName
		if fileName == "" {
			fileName = "arquivo"
		}
		return fmt.Sprintf("[Documento: %s]", fileName), "document", m.DocumentMessage.URL
	default:
		return PlaceholderUnsupported, "", ""
	}
}

// parseTimestamp converts the provider's timestamp value to an absolute
// instant. Live events carry epoch seconds (numeric or string); stored
// messages sometimes carry ISO-8601 strings instead. Falls back to now when
// absent or unparseable.
func parseTimestamp(raw string, now time.Time) time.Time {
	if raw == "" {
		return now
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 {
			return now
		}
		return time.Unix(int64(secs), 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	return now
}
