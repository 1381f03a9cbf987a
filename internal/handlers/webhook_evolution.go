package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"zapinbox/internal/adapters/evolution"
	"zapinbox/internal/models"
	"zapinbox/internal/services"
)

// EvolutionWebhookHandler receives provider events: inbound messages and
// connection state changes.
type EvolutionWebhookHandler struct {
	reconciler *services.Reconciler
	sessions   *services.SessionController
}

func NewEvolutionWebhookHandler(reconciler *services.Reconciler, sessions *services.SessionController) *EvolutionWebhookHandler {
	return &EvolutionWebhookHandler{reconciler: reconciler, sessions: sessions}
}

// Handle processes one provider webhook delivery. The provider retries on
// non-2xx, so anything unusable is acknowledged rather than rejected; only
// malformed JSON gets a 400 and store failures a 500.
func (h *EvolutionWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var ev evolution.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		log.Error().Err(err).Msg("Failed to decode provider webhook payload")
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	log.Debug().Str("event", ev.Event).Str("instance", ev.Instance).Msg("Provider event received")

	switch ev.Event {
	case evolution.EventConnectionUpdate:
		if err := h.sessions.HandleConnectionUpdate(r.Context(), ev.Instance, ev.Data.State); err != nil {
			log.Error().Err(err).Str("instance", ev.Instance).Msg("Failed to apply connection update")
			respondError(w, http.StatusInternalServerError, "failed to apply connection update")
			return
		}
		respondOK(w, "Connection update processed", nil)

	case evolution.EventMessagesUpsert:
		msg, skip := services.NormalizeWebhookEvent(&ev, time.Now().UTC())
		if skip != services.SkipNone {
			respondOK(w, string(skip), nil)
			return
		}
		result, err := h.reconciler.IngestInbound(r.Context(), models.ChannelWhatsApp, msg)
		if err != nil {
			log.Error().Err(err).Str("contactID", msg.ContactID).Msg("Failed to reconcile inbound message")
			respondError(w, http.StatusInternalServerError, "failed to process message")
			return
		}
		extra := map[string]interface{}{"duplicate": result.Duplicate}
		if result.Conversation != nil {
			extra["conversation_id"] = result.Conversation.ID
		}
		respondOK(w, "Message processed", extra)

	default:
		respondOK(w, "Event ignored", nil)
	}
}
