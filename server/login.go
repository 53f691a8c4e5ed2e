package server

import (
	"errors"
	"net/http"
	"net/url"

	"discourse-login-bot/session"
)

// loginRefreshSeconds is how often the login page checks for completion.
const loginRefreshSeconds = 3

func loginURL(next string) string {
	return session.LoginPath + "?next=" + url.QueryEscape(next)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	next := session.SafeNext(r.URL.Query().Get("next"))
	if _, ok := s.sessions.ContactID(r); ok {
		http.Redirect(w, r, next, http.StatusFound)
		return
	}

	code := s.sessions.Begin(w, r)

	setPageHeaders(w)
	w.Header().Set("Cache-Control", "no-store")
	data := map[string]any{
		"Code":       code,
		"BotAddress": s.botAddress,
		"StatusURL":  "/login/status?next=" + url.QueryEscape(next),
		"Refresh":    loginRefreshSeconds,
	}
	if err := templates.ExecuteTemplate(w, "login.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "login.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleLoginStatus binds the session once the code arrived in chat, and
// otherwise sends the browser back to the login page to keep waiting.
func (s *Server) handleLoginStatus(w http.ResponseWriter, r *http.Request) {
	next := session.SafeNext(r.URL.Query().Get("next"))

	contactID, done, err := s.sessions.Finish(w, r)
	switch {
	case errors.Is(err, session.ErrUnknownLogin):
		s.logger.Info("Login expired or unknown, starting over")
		http.Redirect(w, r, loginURL(next), http.StatusFound)
	case err != nil:
		s.logger.Error("Login status check failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	case !done:
		http.Redirect(w, r, loginURL(next), http.StatusFound)
	default:
		s.logger.Info("Browser session bound", "contact_id", contactID)
		http.Redirect(w, r, next, http.StatusFound)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	http.Redirect(w, r, session.LoginPath, http.StatusSeeOther)
}
