package evolution

import (
	"encoding/json"
	"strings"
)

// Event kinds delivered to the inbound webhook.
const (
	EventMessagesUpsert   = "messages.upsert"
	EventConnectionUpdate = "connection.update"
)

// Provider connection states.
const (
	StateOpen       = "open"
	StateConnecting = "connecting"
	StateClose      = "close"
)

// WebhookEvent is the payload Evolution posts to the inbound webhook.
type WebhookEvent struct {
	Event    string      `json:"event"`
	Instance string      `json:"instance"`
	Data     MessageData `json:"data"`
	Sender   string      `json:"sender,omitempty"`
	APIKey   string      `json:"apikey,omitempty"`
}

// MessageKey identifies a message and its remote party.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// MessageData carries one message event. For connection.update events only
// State is populated.
type MessageData struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	Message          *MessageContent `json:"message,omitempty"`
	MessageType      string          `json:"messageType,omitempty"`
	MessageTimestamp json.Number     `json:"messageTimestamp,omitempty"`
	State            string          `json:"state,omitempty"`
}

// MessageContent is the media-kind-dependent content object. Exactly one of
// the variants is usually set.
type MessageContent struct {
	Conversation        string           `json:"conversation,omitempty"`
	ExtendedTextMessage *ExtendedText    `json:"extendedTextMessage,omitempty"`
	ImageMessage        *ImageMessage    `json:"imageMessage,omitempty"`
	AudioMessage        *AudioMessage    `json:"audioMessage,omitempty"`
	DocumentMessage     *DocumentMessage `json:"documentMessage,omitempty"`
}

type ExtendedText struct {
	Text string `json:"text"`
}

type ImageMessage struct {
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	URL      string `json:"url,omitempty"`
}

type AudioMessage struct {
	Mimetype string `json:"mimetype,omitempty"`
	URL      string `json:"url,omitempty"`
}

type DocumentMessage struct {
	FileName string `json:"fileName,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Chat is one entry from findChats. The remote JID arrives under either "id"
// or "remoteJid" depending on the provider version.
type Chat struct {
	ID        string       `json:"id"`
	RemoteJID string       `json:"remoteJid"`
	Name      string       `json:"name"`
	PushName  string       `json:"pushName"`
	Contact   *ChatContact `json:"contact,omitempty"`
}

type ChatContact struct {
	Name string `json:"name"`
}

// JID returns the chat's remote JID regardless of which field carried it.
func (c Chat) JID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.RemoteJID
}

// DisplayName returns the best available contact name, empty when none.
func (c Chat) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.PushName != "" {
		return c.PushName
	}
	if c.Contact != nil {
		return c.Contact.Name
	}
	return ""
}

// IsGroup reports whether the JID addresses a group (or is unusable).
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") || !strings.Contains(jid, "@")
}

// JIDUser returns the user part of a JID (the phone number for WhatsApp).
func JIDUser(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// StoredMessage is one entry from findMessages.
type StoredMessage struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	Message          *MessageContent `json:"message,omitempty"`
	MessageTimestamp json.Number     `json:"messageTimestamp,omitempty"`
}

// Pairing carries a QR artifact, as a base64 PNG and/or a raw pairing code.
type Pairing struct {
	Base64 string `json:"base64,omitempty"`
	Code   string `json:"code,omitempty"`
}

// instanceInfo is the nested instance object some responses wrap state in.
type instanceInfo struct {
	InstanceName string `json:"instanceName,omitempty"`
	State        string `json:"state,omitempty"`
}

// InstanceResponse is the create-instance response. The QR artifact may be
// nested under "qrcode" or flattened at the top level.
type InstanceResponse struct {
	Instance *instanceInfo `json:"instance,omitempty"`
	QRCode   *Pairing      `json:"qrcode,omitempty"`
	Base64   string        `json:"base64,omitempty"`
	Code     string        `json:"code,omitempty"`
}

// QRBase64 returns the base64 QR image from whichever field carried it.
func (r *InstanceResponse) QRBase64() string {
	if r.Base64 != "" {
		return r.Base64
	}
	if r.QRCode != nil {
		return r.QRCode.Base64
	}
	return ""
}

// PairingCode returns the raw pairing code, if any.
func (r *InstanceResponse) PairingCode() string {
	if r.Code != "" {
		return r.Code
	}
	if r.QRCode != nil {
		return r.QRCode.Code
	}
	return ""
}

// ConnectResponse is the connect/get-pairing response; same shape tolerance
// as InstanceResponse.
type ConnectResponse struct {
	QRCode *Pairing `json:"qrcode,omitempty"`
	Base64 string   `json:"base64,omitempty"`
	Code   string   `json:"code,omitempty"`
}

func (r *ConnectResponse) QRBase64() string {
	if r.Base64 != "" {
		return r.Base64
	}
	if r.QRCode != nil {
		return r.QRCode.Base64
	}
	return ""
}

func (r *ConnectResponse) PairingCode() string {
	if r.Code != "" {
		return r.Code
	}
	if r.QRCode != nil {
		return r.QRCode.Code
	}
	return ""
}

// stateResponse is the connectionState response; the state may be top-level
// or nested under "instance".
type stateResponse struct {
	State    string        `json:"state,omitempty"`
	Instance *instanceInfo `json:"instance,omitempty"`
}

func (r *stateResponse) state() string {
	if r.State != "" {
		return r.State
	}
	if r.Instance != nil {
		return r.Instance.State
	}
	return ""
}

// sendResponse is the sendText response.
type sendResponse struct {
	Key MessageKey `json:"key"`
}
