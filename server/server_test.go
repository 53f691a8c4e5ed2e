package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discourse-login-bot/chatnet"
	"discourse-login-bot/forum"
	"discourse-login-bot/oauth"
	"discourse-login-bot/pkg/bridge"
	"discourse-login-bot/relay"
	"discourse-login-bot/session"
	"discourse-login-bot/storage"
)

const (
	clientID     = "aRandomString"
	clientSecret = "verySecure"
	redirectURI  = "http://localhost/callback"
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database locked") }

type fixture struct {
	handler   http.Handler
	store     *storage.SQLiteStore
	chat      *chatnet.Memory
	sessions  *session.Manager
	forumHits *atomic.Int32
	contactID uint32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "codes.sqlite"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var hits atomic.Int32
	forumSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(forumSrv.Close)

	chat := chatnet.NewMemory(logger)
	contactID := chat.AddContact("Test", "test@example.net")
	enabled := bridge.NewEnabledContacts([]string{"test@example.net"})

	sessions := session.NewManager("secret", false, logger)
	exchange := oauth.New(oauth.Client{ID: clientID, Secret: clientSecret, RedirectURI: redirectURI}, store, chat, enabled, logger)
	forumClient := forum.New(forum.Config{BaseURL: forumSrv.URL, Logger: logger, Attempts: 1})
	rel := relay.New(relay.Config{Enabled: enabled}, forumClient, chat, logger)

	srv := New(&Config{
		Exchange:   exchange,
		Relay:      rel,
		Health:     store,
		Sessions:   sessions,
		Logger:     logger,
		BotAddress: "bot@example.net",
		Burst:      100,
	})
	return &fixture{
		handler:   srv.Handler(),
		store:     store,
		chat:      chat,
		sessions:  sessions,
		forumHits: &hits,
		contactID: contactID,
	}
}

// loggedIn returns a request carrying a session bound to the test contact.
func (f *fixture) loggedIn(method, target string) *http.Request {
	rec := httptest.NewRecorder()
	f.sessions.Bind(rec, f.contactID)
	req := httptest.NewRequest(method, target, http.NoBody)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func authorizeURL(id, redirect string) string {
	return "/authorize?client_id=" + url.QueryEscape(id) + "&redirect_uri=" + url.QueryEscape(redirect) + "&state=st"
}

func TestAuthorizeRedirectsWithStoredCode(t *testing.T) {
	f := newFixture(t)

	rec := f.serve(f.loggedIn(http.MethodGet, authorizeURL(clientID, redirectURI)))
	require.Equal(t, http.StatusFound, rec.Code)

	location := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, redirectURI), location)
	u, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "st", u.Query().Get("state"))

	stored, err := f.store.LookupByContact(context.Background(), f.contactID)
	require.NoError(t, err)
	assert.Equal(t, stored, u.Query().Get("code"))
}

func TestAuthorizeRejectsUnknownClientOrRedirect(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		redirect string
	}{
		{name: "client id", id: "somethingInvalid", redirect: redirectURI},
		{name: "redirect uri", id: clientID, redirect: "http://example.net/invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.serve(f.loggedIn(http.MethodGet, authorizeURL(tt.id, tt.redirect)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, rec.Header().Get("Location"))
			_, err := f.store.LookupByContact(context.Background(), f.contactID)
			assert.True(t, storage.IsNotFound(err), "no code may be stored")
		})
	}
}

func TestAuthorizeWithoutSessionGoesToLogin(t *testing.T) {
	f := newFixture(t)
	rec := f.serve(httptest.NewRequest(http.MethodGet, authorizeURL(clientID, redirectURI), http.NoBody))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/login?next="))
}

func tokenRequest(code, id, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/token?code="+url.QueryEscape(code), http.NoBody)
	req.SetBasicAuth(id, secret)
	return req
}

func TestToken(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(context.Background(), "Thanks,Edward", f.contactID))

	t.Run("valid", func(t *testing.T) {
		rec := f.serve(tokenRequest("Thanks,Edward", clientID, clientSecret))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Location"))

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.ElementsMatch(t, []string{"access_token", "token_type", "expires_in", "info"}, keys(body))
		assert.Len(t, body["access_token"], 36)
		assert.Equal(t, "bearer", body["token_type"])

		info, ok := body["info"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, map[string]any{"username": "Test", "email": "test@example.net"}, info)
	})

	t.Run("form body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("grant_type=authorization_code&code=Thanks%2CEdward"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(clientID, clientSecret)
		rec := f.serve(req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
	}{
		{name: "wrong secret", req: tokenRequest("Thanks,Edward", clientID, "invalid"), wantStatus: http.StatusUnauthorized},
		{name: "wrong secret and unknown code", req: tokenRequest("invalid", clientID, "invalid"), wantStatus: http.StatusUnauthorized},
		{name: "no credentials", req: httptest.NewRequest(http.MethodGet, "/token?code=Thanks%2CEdward", http.NoBody), wantStatus: http.StatusUnauthorized},
		{name: "unknown code", req: tokenRequest("invalid", clientID, clientSecret), wantStatus: http.StatusBadRequest},
		{name: "missing code", req: tokenRequest("", clientID, clientSecret), wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.serve(tt.req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Empty(t, rec.Body.String())
			assert.Empty(t, rec.Header().Get("Location"))
		})
	}
}

func TestTokenRejectsSupersededCode(t *testing.T) {
	f := newFixture(t)

	first := f.serve(f.loggedIn(http.MethodGet, authorizeURL(clientID, redirectURI)))
	require.Equal(t, http.StatusFound, first.Code)
	u, err := url.Parse(first.Header().Get("Location"))
	require.NoError(t, err)
	firstCode := u.Query().Get("code")

	second := f.serve(f.loggedIn(http.MethodGet, authorizeURL(clientID, redirectURI)))
	require.Equal(t, http.StatusFound, second.Code)

	rec := f.serve(tokenRequest(firstCode, clientID, clientSecret))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestWebhookAlwaysAnswersOK(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "ineligible type", body: `{"notification":{"notification_type":5,"user_id":1,"topic_id":2,"data":{"topic_title":"t","original_post_id":3}}}`},
		{name: "malformed json", body: `{"notification":`},
		{name: "no notification", body: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.serve(httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "OK", rec.Body.String())
			assert.Zero(t, f.chat.Calls(""), "chat network touched")
			assert.Zero(t, f.forumHits.Load(), "forum touched")
		})
	}
}

func TestWebhookUpstreamFailureStillOK(t *testing.T) {
	f := newFixture(t)
	body := `{"notification":{"notification_type":1,"user_id":1,"topic_id":2,"data":{"topic_title":"t","original_post_id":3}}}`
	rec := f.serve(httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Positive(t, f.forumHits.Load())
}

func TestLoginFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.serve(httptest.NewRequest(http.MethodGet, "/login?next=%2Fauthorize%3Fclient_id%3Dx", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	page := rec.Body.String()
	assert.Contains(t, page, "bot@example.net")

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	code := f.sessions.Begin(httptest.NewRecorder(), withCookies(httptest.NewRequest(http.MethodGet, "/login", http.NoBody), cookies))
	assert.Contains(t, page, code)

	status := f.serve(withCookies(httptest.NewRequest(http.MethodGet, "/login/status?next=%2Fauthorize%3Fclient_id%3Dx", http.NoBody), cookies))
	assert.Equal(t, http.StatusFound, status.Code)
	assert.True(t, strings.HasPrefix(status.Header().Get("Location"), "/login?next="), "still waiting")

	require.True(t, f.sessions.Complete(code, f.contactID))

	status = f.serve(withCookies(httptest.NewRequest(http.MethodGet, "/login/status?next=%2Fauthorize%3Fclient_id%3Dx", http.NoBody), cookies))
	assert.Equal(t, http.StatusFound, status.Code)
	assert.Equal(t, "/authorize?client_id=x", status.Header().Get("Location"))

	bound := withCookies(httptest.NewRequest(http.MethodGet, "/", http.NoBody), status.Result().Cookies())
	id, ok := f.sessions.ContactID(bound)
	require.True(t, ok)
	assert.Equal(t, f.contactID, id)
}

func TestLoginStatusRejectsOffsiteNext(t *testing.T) {
	f := newFixture(t)
	rec := f.serve(httptest.NewRequest(http.MethodGet, "/login/status?next=https%3A%2F%2Fevil.example", http.NoBody))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?next=%2F", rec.Header().Get("Location"))
}

func withCookies(req *http.Request, cookies []*http.Cookie) *http.Request {
	for _, c := range cookies {
		if c.MaxAge >= 0 {
			req.AddCookie(c)
		}
	}
	return req
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.serve(httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	srv := New(&Config{Health: failingPinger{}, Sessions: session.NewManager("s", false, nil), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsExposesRelayCounters(t *testing.T) {
	f := newFixture(t)
	f.serve(httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"notification":{"notification_type":5}}`)))

	rec := f.serve(httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridge_relay_events_total")
}

func TestTokenRateLimit(t *testing.T) {
	srv := New(&Config{
		Exchange: oauth.New(oauth.Client{ID: clientID, Secret: clientSecret, RedirectURI: redirectURI}, nil, nil, nil, nil),
		Sessions: session.NewManager("s", false, nil),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Burst:    2,
	})
	h := srv.Handler()

	var statuses []int
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, tokenRequest("", clientID, clientSecret))
		statuses = append(statuses, rec.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, statuses)
}
