package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Config carries the provider credentials explicitly; nothing in this package
// reads the environment.
type Config struct {
	BaseURL string
	APIKey  string
	// WebhookURL is registered on created/reclaimed instances so the provider
	// posts events back to us. Optional.
	WebhookURL string
	Timeout    time.Duration
}

// Client issues commands to an Evolution-API-compatible messaging gateway.
// It is stateless: pure request/response, no retries, no store access.
type Client struct {
	http       *resty.Client
	apiKey     string
	webhookURL string
}

// NewClient creates a gateway client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("evolution baseURL cannot be empty")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("evolution API key cannot be empty")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout)

	log.Info().Str("baseURL", cfg.BaseURL).Msg("Evolution client configured")

	return &Client{
		http:       httpClient,
		apiKey:     cfg.APIKey,
		webhookURL: cfg.WebhookURL,
	}, nil
}

func (c *Client) req(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetHeader("apikey", c.apiKey)
}

// webhookConfig is the registration body for the inbound webhook.
func (c *Client) webhookConfig() map[string]interface{} {
	return map[string]interface{}{
		"url":      c.webhookURL,
		"byEvents": false,
		"base64":   false,
		"events":   []string{"MESSAGES_UPSERT", "CONNECTION_UPDATE"},
	}
}

// CreateInstance creates a provider session. With bearerAuth the API key is
// sent as an Authorization: Bearer header instead of the apikey header — some
// deployments only accept that shape after a 401.
func (c *Client) CreateInstance(ctx context.Context, name string, bearerAuth bool) (*InstanceResponse, error) {
	body := map[string]interface{}{
		"instanceName": name,
		"qrcode":       true,
		"integration":  "WHATSAPP-BAILEYS",
	}
	if c.webhookURL != "" {
		body["webhook"] = c.webhookConfig()
	}

	req := c.http.R().SetContext(ctx).SetBody(body).SetResult(&InstanceResponse{})
	if bearerAuth {
		req.SetHeader("Authorization", "Bearer "+c.apiKey)
	} else {
		req.SetHeader("apikey", c.apiKey)
	}

	resp, err := req.Post("/instance/create")
	if err != nil {
		return nil, fmt.Errorf("create instance %s: %w", name, err)
	}
	if resp.IsError() {
		return nil, apiError(resp.StatusCode(), resp.Body(), "failed to create instance")
	}
	return resp.Result().(*InstanceResponse), nil
}

// ConnectInstance requests a pairing artifact for an existing session.
func (c *Client) ConnectInstance(ctx context.Context, name string) (*ConnectResponse, error) {
	resp, err := c.req(ctx).
		SetResult(&ConnectResponse{}).
		Get("/instance/connect/" + name)
	if err != nil {
		return nil, fmt.Errorf("connect instance %s: %w", name, err)
	}
	if resp.IsError() {
		return nil, apiError(resp.StatusCode(), resp.Body(), "failed to get pairing code")
	}
	return resp.Result().(*ConnectResponse), nil
}

// ConnectionState probes the remote session state ("open", "connecting",
// "close").
func (c *Client) ConnectionState(ctx context.Context, name string) (string, error) {
	resp, err := c.req(ctx).
		SetResult(&stateResponse{}).
		Get("/instance/connectionState/" + name)
	if err != nil {
		return "", fmt.Errorf("connection state %s: %w", name, err)
	}
	if resp.IsError() {
		return "", apiError(resp.StatusCode(), resp.Body(), "failed to get connection state")
	}
	return resp.Result().(*stateResponse).state(), nil
}

// SetWebhook (re-)registers the inbound webhook on an existing session. The
// primary endpoint is /webhook/set; older deployments only accept the
// instance-update shape, so that is tried as a fallback.
func (c *Client) SetWebhook(ctx context.Context, name string) error {
	if c.webhookURL == "" {
		return nil
	}
	body := map[string]interface{}{
		"webhook": map[string]interface{}{
			"enabled":  true,
			"url":      c.webhookURL,
			"byEvents": false,
			"base64":   false,
			"events":   []string{"MESSAGES_UPSERT", "CONNECTION_UPDATE"},
		},
	}

	resp, err := c.req(ctx).SetBody(body).Post("/webhook/set/" + name)
	if err != nil {
		return fmt.Errorf("set webhook %s: %w", name, err)
	}
	if !resp.IsError() {
		return nil
	}

	altResp, altErr := c.req(ctx).SetBody(body).Put("/instance/update/" + name)
	if altErr != nil {
		return fmt.Errorf("set webhook %s: %w", name, altErr)
	}
	if altResp.IsError() {
		return apiError(altResp.StatusCode(), altResp.Body(), "failed to set webhook")
	}
	return nil
}

// Logout disconnects the session without deleting it.
func (c *Client) Logout(ctx context.Context, name string) error {
	resp, err := c.req(ctx).Delete("/instance/logout/" + name)
	if err != nil {
		return fmt.Errorf("logout instance %s: %w", name, err)
	}
	if resp.IsError() {
		return apiError(resp.StatusCode(), resp.Body(), "failed to logout instance")
	}
	return nil
}

// DeleteInstance removes the remote session entirely.
func (c *Client) DeleteInstance(ctx context.Context, name string) error {
	resp, err := c.req(ctx).Delete("/instance/delete/" + name)
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", name, err)
	}
	if resp.IsError() {
		return apiError(resp.StatusCode(), resp.Body(), "failed to delete instance")
	}
	return nil
}

// SendText sends a text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, name, number, text string) (string, error) {
	resp, err := c.req(ctx).
		SetBody(map[string]string{"number": number, "text": text}).
		SetResult(&sendResponse{}).
		Post("/message/sendText/" + name)
	if err != nil {
		return "", fmt.Errorf("send text via %s: %w", name, err)
	}
	if resp.IsError() {
		return "", apiError(resp.StatusCode(), resp.Body(), "failed to send message")
	}
	return resp.Result().(*sendResponse).Key.ID, nil
}

// FindChats lists the session's chats.
func (c *Client) FindChats(ctx context.Context, name string) ([]Chat, error) {
	var chats []Chat
	resp, err := c.req(ctx).
		SetBody(map[string]interface{}{}).
		SetResult(&chats).
		Post("/chat/findChats/" + name)
	if err != nil {
		return nil, fmt.Errorf("find chats %s: %w", name, err)
	}
	if resp.IsError() {
		return nil, apiError(resp.StatusCode(), resp.Body(), "failed to fetch chats")
	}
	return chats, nil
}

// FindMessages fetches up to limit stored messages for one chat. The provider
// returns either a bare array, {"messages": [...]}, or
// {"messages": {"records": [...]}} depending on version.
func (c *Client) FindMessages(ctx context.Context, name, remoteJID string, limit int) ([]StoredMessage, error) {
	body := map[string]interface{}{
		"where": map[string]interface{}{
			"key": map[string]string{"remoteJid": remoteJID},
		},
		"limit": limit,
	}
	resp, err := c.req(ctx).SetBody(body).Post("/chat/findMessages/" + name)
	if err != nil {
		return nil, fmt.Errorf("find messages %s %s: %w", name, remoteJID, err)
	}
	if resp.IsError() {
		return nil, apiError(resp.StatusCode(), resp.Body(), "failed to fetch messages")
	}
	return decodeStoredMessages(resp.Body())
}

func decodeStoredMessages(body []byte) ([]StoredMessage, error) {
	var direct []StoredMessage
	if err := json.Unmarshal(body, &direct); err == nil {
		return direct, nil
	}

	var wrapped struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil || len(wrapped.Messages) == 0 {
		return nil, fmt.Errorf("unexpected findMessages response shape")
	}
	if err := json.Unmarshal(wrapped.Messages, &direct); err == nil {
		return direct, nil
	}

	var records struct {
		Records []StoredMessage `json:"records"`
	}
	if err := json.Unmarshal(wrapped.Messages, &records); err != nil {
		return nil, fmt.Errorf("unexpected findMessages response shape")
	}
	return records.Records, nil
}
