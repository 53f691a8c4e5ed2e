package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"discourse-login-bot/oauth"
	"discourse-login-bot/session"
)

// writeExchangeError answers a failed exchange step with a bare status code.
func (s *Server) writeExchangeError(w http.ResponseWriter, op string, err error) {
	var oauthErr *oauth.Error
	if errors.As(err, &oauthErr) {
		w.WriteHeader(oauthErr.Status())
		return
	}
	s.logger.Error("OAuth exchange failed", "op", op, "error", err)
	w.WriteHeader(http.StatusInternalServerError)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	contactID, ok := session.ContactIDFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.logger.Info("Request to /authorize", "contact_id", contactID)
	target, err := s.exchange.Authorize(r.Context(),
		contactID,
		r.Form.Get("client_id"),
		r.Form.Get("redirect_uri"),
		r.Form.Get("state"))
	if err != nil {
		s.writeExchangeError(w, "authorize", err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleToken is called by the forum itself, authenticating with HTTP Basic
// client credentials rather than a browser session.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	clientID, clientSecret, _ := r.BasicAuth()

	resp, err := s.exchange.Token(r.Context(), clientID, clientSecret, r.Form.Get("code"))
	if err != nil {
		s.writeExchangeError(w, "token", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write token response", "error", err)
	}
}
