// Package main runs the Discourse login bot: an OAuth2 provider that proves
// forum identities through a Delta Chat contact, and a relay between forum
// notifications and chat groups.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"google.golang.org/api/option"

	"discourse-login-bot/chatnet"
	"discourse-login-bot/config"
	"discourse-login-bot/forum"
	"discourse-login-bot/oauth"
	"discourse-login-bot/pkg/bridge"
	"discourse-login-bot/relay"
	"discourse-login-bot/server"
	"discourse-login-bot/session"
	appstorage "discourse-login-bot/storage"
)

// codeStore is what the HTTP side needs from a storage backend.
type codeStore interface {
	oauth.CodeStore
	server.Pinger
}

type options struct {
	configPath string
	logLevel   string
	port       int
}

func parseFlags(args []string) (*options, error) {
	flags := pflag.NewFlagSet("discourse-login-bot", pflag.ContinueOnError)
	opts := &options{}
	flags.StringVarP(&opts.configPath, "config", "c", os.Getenv("CONFIG_FILE"), "path to the YAML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config file")
	flags.IntVarP(&opts.port, "port", "p", 0, "HTTP port; overrides the config file")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	// A missing .env file is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("Failed to load .env file", "error", err)
		os.Exit(1)
	}

	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Bot stopped", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and environment, applies flag
// overrides and validates the result.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.port != 0 {
		cfg.HTTPPort = opts.port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	chat, closeChat, err := openChat(ctx, cfg.Chat, logger)
	if err != nil {
		return err
	}
	defer closeChat()

	enabled := bridge.NewEnabledContacts(cfg.Notifier.EnabledContactEmailAddresses)
	forumClient := forum.New(forum.Config{
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		Logger:        logger,
		BaseURL:       cfg.Notifier.DiscourseBaseURL,
		APIKey:        cfg.Notifier.APIKey,
		APIUsername:   cfg.Notifier.APIUsername,
		Timeout:       cfg.Notifier.Timeout,
		RatePerMinute: cfg.Notifier.RatePerMinute,
	})
	rel := relay.New(relay.Config{
		Enabled:               enabled,
		LinkedAccountProvider: cfg.Notifier.LinkedAccountProvider,
		Timeout:               cfg.Notifier.Timeout,
	}, forumClient, chat, logger)
	if rel.Enabled() {
		logger.Info("Relay enabled", "contacts", enabled.Len(), "forum", cfg.Notifier.DiscourseBaseURL)
	} else {
		logger.Info("Relay disabled: no enabled contacts configured")
	}

	sessions := session.NewManager(cfg.Session.Secret, cfg.Session.SecureCookies, logger)
	sessions.SetMaxAge(cfg.Session.MaxAge)
	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	exchange := oauth.New(oauth.Client{
		ID:          cfg.OAuth.ClientID,
		Secret:      cfg.OAuth.ClientSecret,
		RedirectURI: cfg.OAuth.RedirectURI,
	}, store, chat, enabled, logger)

	srv := server.New(&server.Config{
		Exchange:       exchange,
		Relay:          rel,
		Health:         store,
		Sessions:       sessions,
		Logger:         logger,
		BotAddress:     cfg.Chat.BotAddress,
		ListenAddr:     cfg.ListenAddr,
		Port:           cfg.HTTPPort,
		TrustedProxies: trusted,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rel.Run(ctx, chat.Messages(ctx), sessions)
	}()

	err = srv.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

// openStore creates the configured code store. The returned func releases it.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (codeStore, func(), error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := appstorage.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using SQLite code store", "path", cfg.SQLitePath)
		return db, func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}, nil

	case config.BackendLocal:
		if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Running with local code store", "storage_path", cfg.LocalPath)
		store := appstorage.NewBucketStore(nil, "", cfg.LocalPath, logger)
		pruneStale(ctx, store, logger)
		return store, func() {}, nil

	case config.BackendBucket:
		client, err := newStorageClient(ctx, cfg.CredentialsJSON, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using Cloud Storage code store", "bucket", cfg.Bucket)
		store := appstorage.NewBucketStore(client, cfg.Bucket, "", logger)
		pruneStale(ctx, store, logger)
		return store, func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func pruneStale(ctx context.Context, store *appstorage.BucketStore, logger *slog.Logger) {
	if _, err := store.Prune(ctx); err != nil {
		logger.Warn("Failed to prune stale codes", "error", err)
	}
}

func newStorageClient(ctx context.Context, credsJSON string, logger *slog.Logger) (*storage.Client, error) {
	if credsJSON != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
		if err != nil {
			return nil, fmt.Errorf("initialize storage client: %w", err)
		}
		return client, nil
	}
	// Outside Cloud Run, Application Default Credentials come from gcloud.
	if !isCloudRun(ctx) {
		logger.Warn("No GOOGLE_CREDENTIALS_JSON and not on Cloud Run, using Application Default Credentials")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize storage client: %w", err)
	}
	return client, nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

// openChat connects to deltachat-rpc-server, or runs an in-memory network
// when no server is configured.
func openChat(ctx context.Context, cfg config.ChatConfig, logger *slog.Logger) (chatnet.Network, func(), error) {
	if cfg.RPCServer == "" {
		logger.Warn("No chat RPC server configured, using an in-memory chat network")
		return chatnet.NewMemory(logger), func() {}, nil
	}
	rpc, err := chatnet.StartRPC(ctx, chatnet.RPCConfig{
		Logger:     logger,
		ServerPath: cfg.RPCServer,
		AccountID:  cfg.AccountID,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Connected to chat RPC server", "server", cfg.RPCServer, "account_id", cfg.AccountID)
	return rpc, func() {
		if err := rpc.Close(); err != nil {
			logger.Warn("Failed to stop chat RPC server", "error", err)
		}
	}, nil
}
