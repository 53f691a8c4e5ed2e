// Package config loads the bot's settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendBucket = "bucket"
	BackendLocal  = "local"
)

// Config holds all settings. Relay settings live under Notifier.
type Config struct {
	OAuth      OAuthConfig    `yaml:"oauth"`
	Storage    StorageConfig  `yaml:"storage"`
	Chat       ChatConfig     `yaml:"chat"`
	Session    SessionConfig  `yaml:"session"`
	ListenAddr string         `yaml:"listen_addr"`
	LogLevel   string         `yaml:"log_level"`
	Notifier   NotifierConfig `yaml:"notifier"`
	HTTPPort   int            `yaml:"http_port"`
	// TrustedProxies lists proxy addresses or CIDR ranges allowed to set X-Forwarded-For.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// OAuthConfig registers the forum as the single OAuth2 client.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
}

// NotifierConfig controls the forum relay.
type NotifierConfig struct {
	DiscourseBaseURL             string        `yaml:"discourse_base_url"`
	APIKey                       string        `yaml:"api_key"`
	APIUsername                  string        `yaml:"api_username"`
	LinkedAccountProvider        string        `yaml:"linked_account_provider"`
	EnabledContactEmailAddresses []string      `yaml:"enabled_contact_email_addresses"`
	Timeout                      time.Duration `yaml:"timeout"`
	RatePerMinute                int           `yaml:"rate_per_minute"`
}

// Enabled reports whether any contact is allowed to use the relay.
func (n NotifierConfig) Enabled() bool {
	for _, addr := range n.EnabledContactEmailAddresses {
		if strings.TrimSpace(addr) != "" {
			return true
		}
	}
	return false
}

// SessionConfig configures browser sessions.
type SessionConfig struct {
	Secret        string        `yaml:"secret"`
	SecureCookies bool          `yaml:"secure_cookies"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// StorageConfig selects where authorization codes are kept.
type StorageConfig struct {
	Backend         string `yaml:"backend"`
	SQLitePath      string `yaml:"sqlite_path"`
	Bucket          string `yaml:"bucket"`
	LocalPath       string `yaml:"local_path"`
	CredentialsJSON string `yaml:"credentials_json"`
}

// ChatConfig configures the connection to the chat network.
type ChatConfig struct {
	// RPCServer is the deltachat-rpc-server executable; empty runs an in-memory network.
	RPCServer  string `yaml:"rpc_server"`
	BotAddress string `yaml:"bot_address"`
	AccountID  uint32 `yaml:"account_id"`
}

// Error lists every problem found while validating a configuration.
type Error struct {
	Missing []string
	Invalid []string
}

func (e *Error) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required options: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid options: "+strings.Join(e.Invalid, "; "))
	}
	return "config: " + strings.Join(parts, "; ")
}

// IsError checks if an error is a configuration error.
func IsError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}

// Default returns a configuration with every optional setting filled in.
func Default() *Config {
	return &Config{
		HTTPPort:   3000,
		ListenAddr: "127.0.0.1",
		LogLevel:   "info",
		Notifier: NotifierConfig{
			LinkedAccountProvider: "oauth2_basic",
			Timeout:               30 * time.Second,
			RatePerMinute:         60,
		},
		Storage: StorageConfig{
			Backend:    BackendSQLite,
			SQLitePath: "./data/oauth.sqlite",
			LocalPath:  "./data",
		},
		Chat: ChatConfig{
			AccountID: 1,
		},
		Session: SessionConfig{
			MaxAge: 7 * 24 * time.Hour,
		},
	}
}

// Load reads the YAML file at path (if any) over the defaults, then applies
// environment overrides. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN_ADDR", &c.ListenAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("OAUTH_CLIENT_ID", &c.OAuth.ClientID)
	str("OAUTH_CLIENT_SECRET", &c.OAuth.ClientSecret)
	str("OAUTH_REDIRECT_URI", &c.OAuth.RedirectURI)
	str("DISCOURSE_BASE_URL", &c.Notifier.DiscourseBaseURL)
	str("DISCOURSE_API_KEY", &c.Notifier.APIKey)
	str("DISCOURSE_API_USERNAME", &c.Notifier.APIUsername)
	str("SESSION_SECRET", &c.Session.Secret)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("SQLITE_PATH", &c.Storage.SQLitePath)
	str("GOOGLE_CREDENTIALS_JSON", &c.Storage.CredentialsJSON)
	str("DC_RPC_SERVER", &c.Chat.RPCServer)
	str("BOT_ADDRESS", &c.Chat.BotAddress)

	// A bucket or local directory in the environment selects that backend,
	// as the subscription store always did.
	if v, ok := lookup("STORAGE_BUCKET"); ok && v != "" {
		c.Storage.Bucket = v
		c.Storage.Backend = BackendBucket
	}
	if v, ok := lookup("LOCAL_STORAGE"); ok && v != "" {
		c.Storage.LocalPath = v
		c.Storage.Backend = BackendLocal
	}

	if v, ok := lookup("TRUSTED_PROXIES"); ok {
		c.TrustedProxies = splitList(v)
	}
	if v, ok := lookup("ENABLED_CONTACTS"); ok {
		c.Notifier.EnabledContactEmailAddresses = splitList(v)
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Invalid: []string{fmt.Sprintf("PORT=%q is not a number", v)}}
		}
		c.HTTPPort = port
	}
	if v, ok := lookup("DC_ACCOUNT_ID"); ok && v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return &Error{Invalid: []string{fmt.Sprintf("DC_ACCOUNT_ID=%q is not a number", v)}}
		}
		c.Chat.AccountID = uint32(id)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks that every required option is set, reporting all problems at once.
func (c *Config) Validate() error {
	e := &Error{}
	required := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			e.Missing = append(e.Missing, key)
		}
	}

	required("oauth.client_id", c.OAuth.ClientID)
	required("oauth.client_secret", c.OAuth.ClientSecret)
	required("oauth.redirect_uri", c.OAuth.RedirectURI)
	required("session.secret", c.Session.Secret)

	if c.Notifier.Enabled() {
		required("notifier.discourse_base_url", c.Notifier.DiscourseBaseURL)
		required("notifier.api_key", c.Notifier.APIKey)
		required("notifier.api_username", c.Notifier.APIUsername)
	}

	switch c.Storage.Backend {
	case BackendSQLite:
		required("storage.sqlite_path", c.Storage.SQLitePath)
	case BackendBucket:
		required("storage.bucket", c.Storage.Bucket)
	case BackendLocal:
		required("storage.local_path", c.Storage.LocalPath)
	default:
		e.Invalid = append(e.Invalid, fmt.Sprintf("storage.backend %q is not one of sqlite, bucket, local", c.Storage.Backend))
	}

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		e.Invalid = append(e.Invalid, fmt.Sprintf("http_port %d is out of range", c.HTTPPort))
	}
	if c.Session.MaxAge <= 0 {
		e.Invalid = append(e.Invalid, "session.max_age must be positive")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		e.Invalid = append(e.Invalid, err.Error())
	}
	if c.Notifier.Timeout <= 0 {
		e.Invalid = append(e.Invalid, "notifier.timeout must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		e.Invalid = append(e.Invalid, err.Error())
	}

	if len(e.Missing) > 0 || len(e.Invalid) > 0 {
		return e
	}
	return nil
}

// TrustedProxyPrefixes parses trusted_proxies. A bare address is a single-host range.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted_proxies %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// ParseLevel maps a log_level value onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", s, err)
	}
	return level, nil
}
