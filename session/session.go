// Package session ties browser sessions to chat contacts.
//
// A browser proves it belongs to a contact by showing a short login code,
// which the user then sends to the bot from their chat app. Once the bot
// sees the code, the browser's session cookie is bound to the sender.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// CookieName holds the signed contact binding.
	CookieName = "dclogin_session"
	// PendingCookieName holds the id of a login awaiting its chat message.
	PendingCookieName = "dclogin_pending"
	// LoginTTL is how long a login code can be completed.
	LoginTTL = 10 * time.Minute
	// LoginPath is where Require sends unauthenticated browsers.
	LoginPath = "/login"
	// DefaultMaxAge is how long a bound session stays valid.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// ErrUnknownLogin is returned for a pending id that expired or never existed.
var ErrUnknownLogin = errors.New("session: unknown or expired login")

type pendingLogin struct {
	createdAt time.Time
	code      string
	contactID uint32
	completed bool
}

// Manager signs session cookies and tracks pending logins in memory.
type Manager struct {
	logger  *slog.Logger
	now     func() time.Time
	pending map[string]*pendingLogin // by pending id
	byCode  map[string]string        // login code -> pending id
	secret  []byte
	maxAge  time.Duration
	mu      sync.Mutex
	secure  bool
}

// NewManager creates a session manager. secure marks cookies HTTPS-only.
func NewManager(secret string, secure bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]*pendingLogin),
		byCode:  make(map[string]string),
		secret:  []byte(secret),
		maxAge:  DefaultMaxAge,
		secure:  secure,
	}
}

// SetMaxAge changes how long sessions bound from now on, and those already
// issued, are accepted. Non-positive values are ignored.
func (m *Manager) SetMaxAge(d time.Duration) {
	if d > 0 {
		m.maxAge = d
	}
}

func (m *Manager) sign(value string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Manager) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Bind marks the browser as logged in as contactID. The cookie carries its
// issue time under the signature and expires after the manager's max age.
func (m *Manager) Bind(w http.ResponseWriter, contactID uint32) {
	value := strconv.FormatUint(uint64(contactID), 10) + "." + strconv.FormatInt(m.now().Unix(), 10)
	m.setCookie(w, CookieName, value+"."+m.sign(value), int(m.maxAge/time.Second))
}

// Clear logs the browser out.
func (m *Manager) Clear(w http.ResponseWriter) {
	m.setCookie(w, CookieName, "", -1)
	m.setCookie(w, PendingCookieName, "", -1)
}

// ContactID returns the contact the request's session is bound to.
func (m *Manager) ContactID(r *http.Request) (uint32, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return 0, false
	}
	i := strings.LastIndexByte(c.Value, '.')
	if i < 0 {
		return 0, false
	}
	value, sig := c.Value[:i], c.Value[i+1:]
	if !hmac.Equal([]byte(sig), []byte(m.sign(value))) {
		m.logger.Warn("Rejecting session cookie with bad signature", "remote_addr", r.RemoteAddr)
		return 0, false
	}

	idPart, issuedPart, ok := strings.Cut(value, ".")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(idPart, 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	issued, err := strconv.ParseInt(issuedPart, 10, 64)
	if err != nil {
		return 0, false
	}
	age := m.now().Sub(time.Unix(issued, 0))
	if age > m.maxAge || age < -time.Minute {
		m.logger.Info("Rejecting expired session cookie", "contact_id", id, "age", age.String())
		return 0, false
	}
	return uint32(id), true
}

type ctxContactKey struct{}

// ContactIDFromContext returns the contact id injected by Require.
func ContactIDFromContext(ctx context.Context) (uint32, bool) {
	id, ok := ctx.Value(ctxContactKey{}).(uint32)
	return id, ok
}

// Require lets bound sessions through with the contact id in the request
// context and redirects everyone else to the login page.
func (m *Manager) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contactID, ok := m.ContactID(r)
		if !ok {
			target := LoginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		ctx := context.WithValue(r.Context(), ctxContactKey{}, contactID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Begin starts a login for the browser and returns the code the user must
// send to the bot. An unfinished login from the same browser is reused.
func (m *Manager) Begin(w http.ResponseWriter, r *http.Request) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	if c, err := r.Cookie(PendingCookieName); err == nil {
		if p, ok := m.pending[c.Value]; ok && !p.completed {
			return p.code
		}
	}

	id := uuid.NewString()
	code := newLoginCode()
	m.pending[id] = &pendingLogin{code: code, createdAt: m.now()}
	m.byCode[code] = id
	m.setCookie(w, PendingCookieName, id, int(LoginTTL/time.Second))
	m.logger.Info("Login started", "pending_logins", len(m.pending))
	return code
}

// Complete binds the pending login whose code equals text to contactID.
// It reports whether text was a live login code.
func (m *Manager) Complete(text string, contactID uint32) bool {
	code := normalizeCode(text)
	if code == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	id, ok := m.byCode[code]
	if !ok {
		return false
	}
	p := m.pending[id]
	if p.completed {
		return false
	}
	p.completed = true
	p.contactID = contactID
	delete(m.byCode, code)
	m.logger.Info("Login completed from chat", "contact_id", contactID)
	return true
}

// Finish checks the browser's pending login. Once the login was completed
// from chat the session is bound and the pending cookie dropped; done is
// false while still waiting.
func (m *Manager) Finish(w http.ResponseWriter, r *http.Request) (contactID uint32, done bool, err error) {
	c, err := r.Cookie(PendingCookieName)
	if err != nil {
		return 0, false, ErrUnknownLogin
	}

	m.mu.Lock()
	m.pruneLocked()
	p, ok := m.pending[c.Value]
	if ok && p.completed {
		delete(m.pending, c.Value)
	}
	m.mu.Unlock()

	if !ok {
		return 0, false, ErrUnknownLogin
	}
	if !p.completed {
		return 0, false, nil
	}
	m.Bind(w, p.contactID)
	m.setCookie(w, PendingCookieName, "", -1)
	return p.contactID, true, nil
}

// pruneLocked drops expired logins. Callers must hold m.mu.
func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-LoginTTL)
	for id, p := range m.pending {
		if p.createdAt.Before(cutoff) {
			delete(m.pending, id)
			if !p.completed {
				delete(m.byCode, p.code)
			}
		}
	}
}

// newLoginCode returns a short code that is easy to type on a phone.
func newLoginCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:4] + "-" + raw[4:8])
}

func normalizeCode(text string) string {
	return strings.ToUpper(strings.TrimSpace(text))
}

// SafeNext returns next if it is a local path, otherwise "/".
func SafeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}
