// Package forum is a small client for the Discourse admin API.
package forum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
)

// Archetypes reported in Topic.Archetype.
const (
	ArchetypeRegular        = "regular"
	ArchetypePrivateMessage = "private_message"
)

// NetworkError means the forum could not be reached at all.
type NetworkError struct {
	Err  error
	Path string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("forum unreachable (%s): %v", e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is a non-2xx answer from the forum.
type StatusError struct {
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("forum returned HTTP %d for %s", e.Status, e.Path)
}

// IsNetworkError checks if an error is a forum network error.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsStatusError checks if an error is a non-2xx forum response.
func IsStatusError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr)
}

// IsNotFound checks if the forum answered 404.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound
}

// Config configures a Client.
type Config struct {
	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger      *slog.Logger
	BaseURL     string
	APIKey      string
	APIUsername string
	Timeout     time.Duration
	// RatePerMinute bounds outbound calls; zero means 60.
	RatePerMinute int
	// Attempts is the number of tries for idempotent reads; zero means 3.
	Attempts uint
}

// Client calls the forum API as the configured admin user.
type Client struct {
	client      *http.Client
	logger      *slog.Logger
	limiter     *rate.Limiter
	baseURL     string
	apiKey      string
	apiUsername string
	attempts    uint
}

// New creates a forum client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 3
	}

	return &Client{
		client:      httpClient,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		apiUsername: cfg.APIUsername,
		attempts:    attempts,
	}
}

// BaseURL returns the forum base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Call performs one API request. body is JSON-encoded when non-nil, out is
// decoded from the response when non-nil. actingUsername, when set, replaces
// the configured Api-Username. GET requests are retried on network errors and
// 5xx answers; other methods are tried once.
func (c *Client) Call(ctx context.Context, method, path string, body any, actingUsername string, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}
	username := c.apiUsername
	if actingUsername != "" {
		username = actingUsername
	}

	attempts := uint(1)
	if method == http.MethodGet {
		attempts = c.attempts
	}

	// lastErr keeps the typed error; retry.Do reports its own aggregate.
	var lastErr error
	err := retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				lastErr = fmt.Errorf("rate limit wait: %w", err)
				return retry.Unrecoverable(lastErr)
			}
			lastErr = c.do(ctx, method, path, payload, username, out)
			if lastErr == nil || retryable(lastErr) {
				return lastErr
			}
			return retry.Unrecoverable(lastErr)
		},
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying forum request after error", "attempt", n, "path", path, "error", err)
		}),
	)
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

// retryable reports whether err may go away on its own: the forum was
// unreachable or answered 5xx.
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= http.StatusInternalServerError
	}
	return IsNetworkError(err)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, username string, out any) error {
	var reqBody io.Reader = http.NoBody
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Api-Username", username)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("Forum request failed",
			"method", method,
			"path", path,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return &NetworkError{Path: path, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Forum request completed",
		"method", method,
		"path", path,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Path: path, Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// User is a forum account as returned by the admin endpoints.
type User struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	ID       int64  `json:"id"`
}

// LinkedAccount is an external login attached to a forum account.
// Description holds the external identity, an email address for oauth2_basic.
type LinkedAccount struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AllowedUser is a participant of a private message topic.
type AllowedUser struct {
	Username string `json:"username"`
	ID       int64  `json:"id"`
}

// Topic is the subset of /t/{id}.json the bridge reads.
type Topic struct {
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	Archetype string `json:"archetype"`
	Details   struct {
		AllowedUsers []AllowedUser `json:"allowed_users"`
	} `json:"details"`
	ID int64 `json:"id"`
}

// Post is the subset of /posts/{id}.json the bridge reads.
type Post struct {
	Raw        string `json:"raw"`
	Cooked     string `json:"cooked"`
	Username   string `json:"username"`
	TopicSlug  string `json:"topic_slug"`
	ID         int64  `json:"id"`
	TopicID    int64  `json:"topic_id"`
	PostNumber int    `json:"post_number"`
}

// Text returns the post body as plain text, preferring the raw markdown.
func (p *Post) Text() string {
	if raw := strings.TrimSpace(p.Raw); raw != "" {
		return raw
	}
	return CookedText(p.Cooked)
}

// ActiveUsersByEmail lists active accounts whose email matches addr.
// The forum filter is a substring search, so results are narrowed to exact
// case-insensitive matches here.
func (c *Client) ActiveUsersByEmail(ctx context.Context, addr string) ([]User, error) {
	path := "/admin/users/list/active.json?show_emails=true&filter=" + url.QueryEscape(addr)
	var users []User
	if err := c.Call(ctx, http.MethodGet, path, nil, "", &users); err != nil {
		return nil, err
	}
	var matched []User
	for _, u := range users {
		if strings.EqualFold(strings.TrimSpace(u.Email), strings.TrimSpace(addr)) {
			matched = append(matched, u)
		}
	}
	return matched, nil
}

// UserByID fetches a forum account by id.
func (c *Client) UserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := c.Call(ctx, http.MethodGet, fmt.Sprintf("/admin/users/%d.json", id), nil, "", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// LinkedAccounts returns the external logins of username that came from provider.
func (c *Client) LinkedAccounts(ctx context.Context, username, provider string) ([]LinkedAccount, error) {
	var resp struct {
		User struct {
			AssociatedAccounts []LinkedAccount `json:"associated_accounts"`
		} `json:"user"`
	}
	if err := c.Call(ctx, http.MethodGet, "/u/"+url.PathEscape(username)+".json", nil, "", &resp); err != nil {
		return nil, err
	}
	var out []LinkedAccount
	for _, acc := range resp.User.AssociatedAccounts {
		if acc.Name == provider {
			out = append(out, acc)
		}
	}
	return out, nil
}

// Topic fetches a topic with its participant details.
func (c *Client) Topic(ctx context.Context, id int64) (*Topic, error) {
	var t Topic
	if err := c.Call(ctx, http.MethodGet, fmt.Sprintf("/t/%d.json", id), nil, "", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Post fetches a single post.
func (c *Client) Post(ctx context.Context, id int64) (*Post, error) {
	var p Post
	if err := c.Call(ctx, http.MethodGet, fmt.Sprintf("/posts/%d.json", id), nil, "", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePost replies to a topic as username.
func (c *Client) CreatePost(ctx context.Context, topicID int64, raw, username string) (*Post, error) {
	body := map[string]any{"topic_id": topicID, "raw": raw}
	var p Post
	if err := c.Call(ctx, http.MethodPost, "/posts.json", body, username, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CookedText renders a post's cooked HTML as plain text. Paragraphs and
// list items become separate lines and quotes are prefixed with "> ".
func CookedText(cooked string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(cooked))
	if err != nil {
		return strings.TrimSpace(cooked)
	}

	var lines []string
	doc.Find("body").Children().Each(func(_ int, s *goquery.Selection) {
		lines = append(lines, blockText(s)...)
	})
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func blockText(s *goquery.Selection) []string {
	switch goquery.NodeName(s) {
	case "aside", "blockquote":
		var quoted []string
		s.Find("blockquote").First().Children().Each(func(_ int, inner *goquery.Selection) {
			for _, line := range blockText(inner) {
				quoted = append(quoted, "> "+line)
			}
		})
		if len(quoted) == 0 {
			if text := strings.TrimSpace(s.Text()); text != "" {
				quoted = append(quoted, "> "+text)
			}
		}
		return quoted
	case "ul", "ol":
		var items []string
		s.Find("li").Each(func(_ int, li *goquery.Selection) {
			items = append(items, "- "+strings.TrimSpace(li.Text()))
		})
		return items
	default:
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return nil
		}
		return []string{text}
	}
}
