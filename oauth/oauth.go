// Package oauth implements the authorization-code exchange that lets the forum
// log users in with their chat identity.
package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"discourse-login-bot/chatnet"
	"discourse-login-bot/pkg/bridge"
	"discourse-login-bot/storage"
)

var exchanges = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "oauth_exchanges_total",
		Help: "Authorization and token requests by outcome.",
	},
	[]string{"op", "outcome"},
)

func init() {
	prometheus.MustRegister(exchanges)
}

// Kind classifies a rejected exchange request.
type Kind int

const (
	KindMissingCode Kind = iota + 1
	KindUnknownClient
	KindUnknownRedirectURI
	KindContactNotEnabled
	KindBadClientCredentials
	KindUnknownCode
)

func (k Kind) String() string {
	switch k {
	case KindMissingCode:
		return "missing_code"
	case KindUnknownClient:
		return "unknown_client"
	case KindUnknownRedirectURI:
		return "unknown_redirect_uri"
	case KindContactNotEnabled:
		return "contact_not_enabled"
	case KindBadClientCredentials:
		return "bad_client_credentials"
	case KindUnknownCode:
		return "unknown_code"
	default:
		return "unknown"
	}
}

// Error is a request the exchange refuses. Anything else returned by
// Authorize or Token is a server-side failure.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string {
	return "oauth: " + e.Kind.String()
}

// Status returns the HTTP status code the rejection maps to.
func (e *Error) Status() int {
	switch e.Kind {
	case KindBadClientCredentials:
		return http.StatusUnauthorized
	case KindContactNotEnabled:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// Sentinel rejections, comparable with errors.Is.
var (
	ErrMissingCode          = &Error{Kind: KindMissingCode}
	ErrUnknownClient        = &Error{Kind: KindUnknownClient}
	ErrUnknownRedirectURI   = &Error{Kind: KindUnknownRedirectURI}
	ErrContactNotEnabled    = &Error{Kind: KindContactNotEnabled}
	ErrBadClientCredentials = &Error{Kind: KindBadClientCredentials}
	ErrUnknownCode          = &Error{Kind: KindUnknownCode}
)

// Is matches rejections by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// IsError checks if an error is an exchange rejection.
func IsError(err error) bool {
	var oauthErr *Error
	return errors.As(err, &oauthErr)
}

// CodeStore issues and redeems authorization codes.
type CodeStore interface {
	Issue(ctx context.Context, contactID uint32) (string, error)
	Redeem(ctx context.Context, code string) (uint32, error)
}

// ContactResolver looks up chat contacts.
type ContactResolver interface {
	Contact(ctx context.Context, contactID uint32) (*chatnet.Contact, error)
}

// Client is the single registered relying party.
type Client struct {
	ID          string
	Secret      string
	RedirectURI string
}

// TokenInfo describes the contact that owned the redeemed code.
type TokenInfo struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// TokenResponse is the body of a successful /token call. The access token
// grants nothing; the identity travels in Info.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Info        TokenInfo `json:"info"`
	ExpiresIn   int       `json:"expires_in"`
}

// Exchange issues codes to logged-in contacts and trades them for identity.
type Exchange struct {
	store    CodeStore
	contacts ContactResolver
	enabled  *bridge.EnabledContacts
	logger   *slog.Logger
	client   Client
}

// New creates an exchange for one registered client. When enabled has
// entries, only those contacts may authorize.
func New(client Client, store CodeStore, contacts ContactResolver, enabled *bridge.EnabledContacts, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		store:    store,
		contacts: contacts,
		enabled:  enabled,
		logger:   logger,
		client:   client,
	}
}

// Authorize issues a fresh code for contactID and returns the URL to send the
// browser back to.
func (e *Exchange) Authorize(ctx context.Context, contactID uint32, clientID, redirectURI, state string) (string, error) {
	target, err := e.authorize(ctx, contactID, clientID, redirectURI, state)
	exchanges.WithLabelValues("authorize", outcome(err)).Inc()
	return target, err
}

func (e *Exchange) authorize(ctx context.Context, contactID uint32, clientID, redirectURI, state string) (string, error) {
	if clientID != e.client.ID {
		e.logger.Info("Unknown client_id, denying access", "contact_id", contactID)
		return "", ErrUnknownClient
	}
	if redirectURI != e.client.RedirectURI {
		e.logger.Info("Unknown redirect_uri, denying access", "contact_id", contactID)
		return "", ErrUnknownRedirectURI
	}
	target, err := url.Parse(redirectURI)
	if err != nil {
		e.logger.Warn("Registered redirect_uri does not parse", "error", err)
		return "", ErrUnknownRedirectURI
	}

	if e.enabled.Enabled() {
		contact, err := e.contacts.Contact(ctx, contactID)
		if err != nil {
			return "", fmt.Errorf("resolve contact %d: %w", contactID, err)
		}
		if !e.enabled.Contains(contact.Address) {
			e.logger.Info("Contact is not enabled, denying access", "contact_id", contactID)
			return "", ErrContactNotEnabled
		}
	}

	code, err := e.store.Issue(ctx, contactID)
	if err != nil {
		return "", fmt.Errorf("issue code: %w", err)
	}

	query := target.Query()
	query.Set("state", state)
	query.Set("code", code)
	target.RawQuery = query.Encode()

	e.logger.Info("Authorization code issued, redirecting", "contact_id", contactID)
	return target.String(), nil
}

// Token redeems code for the identity of its owner. Client credentials are
// checked before the code is looked up.
func (e *Exchange) Token(ctx context.Context, clientID, clientSecret, code string) (*TokenResponse, error) {
	resp, err := e.token(ctx, clientID, clientSecret, code)
	exchanges.WithLabelValues("token", outcome(err)).Inc()
	return resp, err
}

func (e *Exchange) token(ctx context.Context, clientID, clientSecret, code string) (*TokenResponse, error) {
	if code == "" {
		e.logger.Info("Incoming code is blank, denying access")
		return nil, ErrMissingCode
	}
	idOK := subtle.ConstantTimeCompare([]byte(clientID), []byte(e.client.ID))
	secretOK := subtle.ConstantTimeCompare([]byte(clientSecret), []byte(e.client.Secret))
	if idOK&secretOK != 1 {
		e.logger.Info("Unknown client_id and/or client_secret, denying access")
		return nil, ErrBadClientCredentials
	}

	contactID, err := e.store.Redeem(ctx, code)
	if storage.IsNotFound(err) {
		e.logger.Info("Invalid incoming code, denying access")
		return nil, ErrUnknownCode
	}
	if err != nil {
		return nil, fmt.Errorf("redeem code: %w", err)
	}

	contact, err := e.contacts.Contact(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("resolve contact %d: %w", contactID, err)
	}

	identity := bridge.IdentityAssertion{Username: contact.Name(), Email: contact.Address}
	e.logger.Info("Authorization code redeemed", "contact_id", contactID)
	return &TokenResponse{
		AccessToken: uuid.NewString(),
		TokenType:   "bearer",
		ExpiresIn:   1,
		Info: TokenInfo{
			Username: identity.Username,
			Email:    identity.Email,
		},
	}, nil
}

func outcome(err error) string {
	var oauthErr *Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &oauthErr):
		return oauthErr.Kind.String()
	default:
		return "error"
	}
}
