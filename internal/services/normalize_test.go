package services

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapinbox/internal/adapters/evolution"
	"zapinbox/internal/models"
)

func upsertEvent(jid string, fromMe bool, content *evolution.MessageContent) *evolution.WebhookEvent {
	return &evolution.WebhookEvent{
		Event:    evolution.EventMessagesUpsert,
		Instance: "sales",
		Data: evolution.MessageData{
			Key:              evolution.MessageKey{RemoteJID: jid, FromMe: fromMe, ID: "m1"},
			PushName:         "Maria",
			Message:          content,
			MessageTimestamp: json.Number("1714000000"),
		},
	}
}

func TestNormalizeWebhookEventSkips(t *testing.T) {
	now := time.Now().UTC()
	text := &evolution.MessageContent{Conversation: "oi"}

	_, skip := NormalizeWebhookEvent(nil, now)
	assert.Equal(t, SkipMalformed, skip)

	ev := upsertEvent("551199@s.whatsapp.net", false, text)
	ev.Event = evolution.EventConnectionUpdate
	_, skip = NormalizeWebhookEvent(ev, now)
	assert.Equal(t, SkipNonMessageEvent, skip)

	_, skip = NormalizeWebhookEvent(upsertEvent("551199@s.whatsapp.net", true, text), now)
	assert.Equal(t, SkipOutgoingEcho, skip)

	_, skip = NormalizeWebhookEvent(upsertEvent("12036316@g.us", false, text), now)
	assert.Equal(t, SkipGroupMessage, skip)

	_, skip = NormalizeWebhookEvent(upsertEvent("", false, text), now)
	assert.Equal(t, SkipMalformed, skip)

	msg, skip := NormalizeWebhookEvent(upsertEvent("551199@s.whatsapp.net", false, text), now)
	require.Equal(t, SkipNone, skip)
	assert.Equal(t, "551199", msg.ContactID)
	assert.Equal(t, "Maria", msg.ContactName)
	assert.Equal(t, "m1", msg.ProviderMessageID)
	assert.Equal(t, time.Unix(1714000000, 0).UTC(), msg.Timestamp)
}

func TestNormalizeContactNameFallsBackToID(t *testing.T) {
	ev := upsertEvent("551199@s.whatsapp.net", false, &evolution.MessageContent{Conversation: "oi"})
	ev.Data.PushName = ""
	msg, skip := NormalizeWebhookEvent(ev, time.Now().UTC())
	require.Equal(t, SkipNone, skip)
	assert.Equal(t, "551199", msg.ContactName)
}

func TestExtractContentPriority(t *testing.T) {
	tests := []struct {
		name      string
		content   *evolution.MessageContent
		want      string
		mediaType string
		mediaURL  string
	}{
		{"nil content", nil, PlaceholderUnsupported, "", ""},
		{"plain conversation", &evolution.MessageContent{Conversation: "oi"}, "oi", "", ""},
		{
			"extended text",
			&evolution.MessageContent{ExtendedTextMessage: &evolution.ExtendedText{Text: "link https://x"}},
			"link https://x", "", "",
		},
		{
			"conversation wins over extended text",
			&evolution.MessageContent{Conversation: "a", ExtendedTextMessage: &evolution.ExtendedText{Text: "b"}},
			"a", "", "",
		},
		{
			"image with caption",
			&evolution.MessageContent{ImageMessage: &evolution.ImageMessage{Caption: "veja", URL: "https://cdn/img"}},
			"veja", "image", "https://cdn/img",
		},
		{
			"image without caption",
			&evolution.MessageContent{ImageMessage: &evolution.ImageMessage{URL: "https://cdn/img"}},
			PlaceholderImage, "image", "https://cdn/img",
		},
		{
			"audio",
			&evolution.MessageContent{AudioMessage: &evolution.AudioMessage{URL: "https://cdn/audio"}},
			PlaceholderAudio, "audio", "https://cdn/audio",
		},
		{
			"document with filename",
			&evolution.MessageContent{DocumentMessage: &evolution.DocumentMessage{FileName: "contrato.pdf", URL: "https://cdn/doc"}},
			"[Documento: contrato.pdf]", "document", "https://cdn/doc",
		},
		{
			"document without filename",
			&evolution.MessageContent{DocumentMessage: &evolution.DocumentMessage{URL: "https://cdn/doc"}},
			"[Documento: arquivo]", "document", "https://cdn/doc",
		},
		{"unknown kind", &evolution.MessageContent{}, PlaceholderUnsupported, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, mediaType, mediaURL := extractContent(tt.content)
			assert.Equal(t, tt.want, content)
			assert.Equal(t, tt.mediaType, mediaType)
			assert.Equal(t, tt.mediaURL, mediaURL)
		})
	}
}

func TestNormalizeStoredMessage(t *testing.T) {
	now := time.Now().UTC()

	inbound := NormalizeStoredMessage(&evolution.StoredMessage{
		Key:              evolution.MessageKey{RemoteJID: "551199@s.whatsapp.net", FromMe: false, ID: "m1"},
		Message:          &evolution.MessageContent{Conversation: "oi"},
		MessageTimestamp: json.Number("1714000000"),
	}, now)
	assert.Equal(t, models.SenderContact, inbound.SenderType)
	assert.Equal(t, "oi", inbound.Content)
	assert.False(t, inbound.Unsupported)

	outbound := NormalizeStoredMessage(&evolution.StoredMessage{
		Key:     evolution.MessageKey{FromMe: true, ID: "m2"},
		Message: &evolution.MessageContent{Conversation: "tudo bem?"},
	}, now)
	assert.Equal(t, models.SenderSeller, outbound.SenderType)
	assert.Equal(t, now, outbound.Timestamp)

	unsupported := NormalizeStoredMessage(&evolution.StoredMessage{
		Key:     evolution.MessageKey{ID: "m3"},
		Message: &evolution.MessageContent{},
	}, now)
	assert.True(t, unsupported.Unsupported)
}

func TestParseTimestamp(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Unix(1714000000, 0).UTC(), parseTimestamp("1714000000", now))
	assert.Equal(t, time.Unix(1714004800, 0).UTC(), parseTimestamp("2024-04-25T00:26:40Z", now))
	assert.Equal(t, now, parseTimestamp("", now))
	assert.Equal(t, now, parseTimestamp("not-a-number", now))
	assert.Equal(t, now, parseTimestamp("-5", now))
}
