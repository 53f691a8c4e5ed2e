package server

import (
	"encoding/json"
	"io"
	"net/http"

	"discourse-login-bot/pkg/bridge"
)

// maxWebhookBody caps the notification payload read from the forum.
const maxWebhookBody = 1 << 20

// handleWebhook relays a forum notification. The forum always gets 200 OK:
// the outcome is logged and counted by the relay, never reported back.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload bridge.WebhookPayload
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	switch {
	case err != nil:
		s.logger.Warn("Failed to read webhook body", "error", err)
	case json.Unmarshal(body, &payload) != nil:
		s.logger.Warn("Ignoring malformed webhook payload", "body_length", len(body))
	default:
		// The outcome is already recorded by the relay.
		_ = s.relay.ForumToChat(r.Context(), payload.Notification)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, "OK"); err != nil {
		s.logger.Warn("Failed to write webhook response", "error", err)
	}
}
