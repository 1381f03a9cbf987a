package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string, details ...string) {
	body := map[string]interface{}{"error": message}
	if len(details) > 0 {
		body["details"] = details[0]
	}
	respondJSON(w, status, body)
}

func respondOK(w http.ResponseWriter, message string, extra map[string]interface{}) {
	body := map[string]interface{}{"success": true, "message": message}
	for k, v := range extra {
		body[k] = v
	}
	respondJSON(w, http.StatusOK, body)
}
