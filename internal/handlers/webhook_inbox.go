package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"zapinbox/internal/models"
	"zapinbox/internal/services"
)

// InboxWebhookHandler receives already-normalized messages and leads from
// automation tooling (landing pages, ad platforms, n8n flows).
type InboxWebhookHandler struct {
	reconciler *services.Reconciler
}

func NewInboxWebhookHandler(reconciler *services.Reconciler) *InboxWebhookHandler {
	return &InboxWebhookHandler{reconciler: reconciler}
}

type inboxWebhookRequest struct {
	ChannelType       string `json:"channel_type"`
	ExternalContactID string `json:"external_contact_id"`
	ContactName       string `json:"contact_name"`
	ContactPhone      string `json:"contact_phone"`
	Message           string `json:"message"`
	Origem            string `json:"origem"`
	CreateLead        bool   `json:"create_lead"`
	LeadData          *struct {
		Nome        string `json:"nome"`
		Empresa     string `json:"empresa"`
		Email       string `json:"email"`
		Telefone    string `json:"telefone"`
		UTMSource   string `json:"utm_source"`
		UTMMedium   string `json:"utm_medium"`
		UTMCampaign string `json:"utm_campaign"`
		UTMContent  string `json:"utm_content"`
	} `json:"lead_data"`
}

// Handle processes one generic-webhook delivery. The lead variant
// (create_lead with lead_data) records the lead and nothing else; every other
// payload is reconciled into a conversation.
func (h *InboxWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req inboxWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.ChannelType == "" || req.ExternalContactID == "" {
		respondError(w, http.StatusBadRequest, "channel_type and external_contact_id are required")
		return
	}

	if req.CreateLead && req.LeadData != nil {
		telefone := req.LeadData.Telefone
		if telefone == "" {
			telefone = req.ContactPhone
		}
		lead := &models.Lead{
			Nome:        req.LeadData.Nome,
			Empresa:     req.LeadData.Empresa,
			Email:       req.LeadData.Email,
			Telefone:    telefone,
			Origem:      req.Origem,
			UTMSource:   req.LeadData.UTMSource,
			UTMMedium:   req.LeadData.UTMMedium,
			UTMCampaign: req.LeadData.UTMCampaign,
			UTMContent:  req.LeadData.UTMContent,
		}
		if err := h.reconciler.CreateLeadFromWebhook(r.Context(), lead); err != nil {
			log.Error().Err(err).Msg("Failed to create lead from webhook")
			respondError(w, http.StatusInternalServerError, "failed to create lead")
			return
		}
		respondOK(w, "Lead created successfully", map[string]interface{}{"lead_id": lead.ID})
		return
	}

	result, err := h.reconciler.IngestDirect(r.Context(), &services.DirectMessage{
		ChannelType:       req.ChannelType,
		ExternalContactID: req.ExternalContactID,
		ContactName:       req.ContactName,
		ContactPhone:      req.ContactPhone,
		Content:           req.Message,
		Origem:            req.Origem,
	})
	if err != nil {
		log.Error().Err(err).Str("contactID", req.ExternalContactID).Msg("Failed to ingest webhook message")
		respondError(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	respondOK(w, "Message processed", map[string]interface{}{"conversation_id": result.Conversation.ID})
}
