package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/models"
	"zapinbox/internal/services"
)

// Gateway is the union of provider capabilities the API layer forwards to the
// services.
type Gateway interface {
	services.ChatFetcher
	services.MessageSender
}

// APIHandler serves the inbox and channel management endpoints.
type APIHandler struct {
	reconciler *services.Reconciler
	sessions   *services.SessionController
	gateway    Gateway
}

func NewAPIHandler(reconciler *services.Reconciler, sessions *services.SessionController, gateway Gateway) *APIHandler {
	return &APIHandler{reconciler: reconciler, sessions: sessions, gateway: gateway}
}

// Register wires the API routes onto the router.
func (h *APIHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/conversations", h.listConversations).Methods("GET")
	r.HandleFunc("/api/conversations/{id}/messages", h.listMessages).Methods("GET")
	r.HandleFunc("/api/conversations/{id}/messages", h.sendMessage).Methods("POST")
	r.HandleFunc("/api/conversations/{id}/accept", h.acceptConversation).Methods("POST")
	r.HandleFunc("/api/conversations/{id}/archive", h.archiveConversation).Methods("POST")
	r.HandleFunc("/api/conversations/{id}/origem", h.updateOrigem).Methods("POST")
	r.HandleFunc("/api/conversations/{id}/lead", h.promoteToLead).Methods("POST")

	r.HandleFunc("/api/channels", h.listChannels).Methods("GET")
	r.HandleFunc("/api/channels", h.createChannel).Methods("POST")
	r.HandleFunc("/api/channels/{id}", h.updateChannel).Methods("PATCH")
	r.HandleFunc("/api/channels/{id}", h.deleteChannel).Methods("DELETE")
	r.HandleFunc("/api/channels/{id}/connect", h.connectChannel).Methods("POST")
	r.HandleFunc("/api/channels/{id}/confirm", h.confirmChannel).Methods("POST")
	r.HandleFunc("/api/channels/{id}/simulate", h.simulateChannel).Methods("POST")
	r.HandleFunc("/api/channels/{id}/disconnect", h.disconnectChannel).Methods("POST")
	r.HandleFunc("/api/channels/{id}/sync", h.syncChannel).Methods("POST")
}

func (h *APIHandler) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.reconciler.ListConversations(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list conversations")
		respondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	respondJSON(w, http.StatusOK, convs)
}

func (h *APIHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	markRead := r.URL.Query().Get("mark_read") != "false"
	msgs, err := h.reconciler.ListMessages(r.Context(), id, markRead)
	if err != nil {
		h.conversationError(w, err, "failed to list messages")
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (h *APIHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Content  string `json:"content"`
		SenderID string `json:"sender_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	instance, err := h.sessions.ActiveInstance(r.Context(), models.ChannelWhatsApp)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	msg, err := h.reconciler.SendOutbound(r.Context(), h.gateway, instance, id, req.SenderID, req.Content)
	if err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			respondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		log.Error().Err(err).Str("conversationID", id).Msg("Failed to send message")
		respondError(w, http.StatusBadGateway, "failed to send message", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

func (h *APIHandler) acceptConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		UserID     string `json:"user_id"`
		CreateLead bool   `json:"create_lead"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	conv, err := h.reconciler.Accept(r.Context(), id, req.UserID, req.CreateLead)
	if err != nil {
		h.conversationError(w, err, "failed to accept conversation")
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (h *APIHandler) archiveConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.reconciler.Archive(r.Context(), id); err != nil {
		h.conversationError(w, err, "failed to archive conversation")
		return
	}
	respondOK(w, "Conversation archived", nil)
}

func (h *APIHandler) updateOrigem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Origem string `json:"origem"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Origem == "" {
		respondError(w, http.StatusBadRequest, "origem is required")
		return
	}
	if err := h.reconciler.UpdateOrigem(r.Context(), id, req.Origem); err != nil {
		h.conversationError(w, err, "failed to update origem")
		return
	}
	respondOK(w, "Origem updated", nil)
}

func (h *APIHandler) promoteToLead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	lead, err := h.reconciler.PromoteToLead(r.Context(), id, req.UserID)
	if err != nil {
		if errors.Is(err, services.ErrLeadExists) {
			respondError(w, http.StatusConflict, "conversation already linked to a lead")
			return
		}
		h.conversationError(w, err, "failed to promote conversation")
		return
	}
	respondJSON(w, http.StatusCreated, lead)
}

func (h *APIHandler) listChannels(w http.ResponseWriter, r *http.Request) {
	chans, err := h.sessions.ListChannels(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list channels")
		respondError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}
	respondJSON(w, http.StatusOK, chans)
}

func (h *APIHandler) createChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"user_id"`
		ChannelType  string `json:"channel_type"`
		InstanceName string `json:"instance_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.InstanceName == "" {
		respondError(w, http.StatusBadRequest, "user_id and instance_name are required")
		return
	}
	if req.ChannelType == "" {
		req.ChannelType = models.ChannelWhatsApp
	}
	ch, err := h.sessions.CreateChannel(r.Context(), req.UserID, req.ChannelType, req.InstanceName)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, ch)
}

func (h *APIHandler) updateChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		respondError(w, http.StatusBadRequest, "is_active is required")
		return
	}
	ch, err := h.sessions.SetActive(r.Context(), id, *req.IsActive)
	if err != nil {
		h.channelError(w, err, "failed to update channel")
		return
	}
	respondJSON(w, http.StatusOK, ch)
}

func (h *APIHandler) deleteChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.sessions.DeleteChannel(r.Context(), id); err != nil {
		h.channelError(w, err, "failed to delete channel")
		return
	}
	respondOK(w, "Channel deleted", nil)
}

func (h *APIHandler) connectChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ch, err := h.sessions.Connect(r.Context(), id)
	if err != nil {
		h.channelError(w, err, "failed to connect channel")
		return
	}
	respondJSON(w, http.StatusOK, ch)
}

func (h *APIHandler) confirmChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ch, err := h.sessions.ConfirmConnected(r.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrChannelNotFound) {
			respondError(w, http.StatusNotFound, "channel not found")
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ch)
}

func (h *APIHandler) simulateChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ch, err := h.sessions.SimulateConnected(r.Context(), id)
	if err != nil {
		h.channelError(w, err, "failed to simulate connection")
		return
	}
	respondJSON(w, http.StatusOK, ch)
}

func (h *APIHandler) disconnectChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ch, err := h.sessions.Disconnect(r.Context(), id)
	if err != nil {
		h.channelError(w, err, "failed to disconnect channel")
		return
	}
	respondJSON(w, http.StatusOK, ch)
}

func (h *APIHandler) syncChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ch, err := h.sessions.GetChannel(r.Context(), id)
	if err != nil {
		h.channelError(w, err, "failed to load channel")
		return
	}
	summary, err := h.reconciler.SyncHistory(r.Context(), h.gateway, ch.ChannelType, ch.InstanceName)
	if err != nil {
		log.Error().Err(err).Str("channelID", id).Msg("History sync failed")
		respondError(w, http.StatusBadGateway, "history sync failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *APIHandler) conversationError(w http.ResponseWriter, err error, fallback string) {
	if errors.Is(err, services.ErrConversationNotFound) {
		respondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	log.Error().Err(err).Msg(fallback)
	respondError(w, http.StatusInternalServerError, fallback)
}

func (h *APIHandler) channelError(w http.ResponseWriter, err error, fallback string) {
	if errors.Is(err, services.ErrChannelNotFound) {
		respondError(w, http.StatusNotFound, "channel not found")
		return
	}
	log.Error().Err(err).Msg(fallback)
	respondError(w, http.StatusInternalServerError, fallback)
}
