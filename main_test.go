package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"

	"discourse-login-bot/chatnet"
	"discourse-login-bot/config"
	"discourse-login-bot/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantConfig string
		wantLevel  string
		wantPort   int
		wantErr    error
	}{
		{name: "defaults", args: nil},
		{name: "all set", args: []string{"--config", "bot.yaml", "--log-level", "debug", "-p", "8080"}, wantConfig: "bot.yaml", wantLevel: "debug", wantPort: 8080},
		{name: "help", args: []string{"--help"}, wantErr: pflag.ErrHelp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			opts, err := parseFlags(tt.args)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("parseFlags() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlags() error = %v", err)
			}
			if opts.configPath != tt.wantConfig || opts.logLevel != tt.wantLevel || opts.port != tt.wantPort {
				t.Errorf("parseFlags() = %+v", opts)
			}
		})
	}
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OAUTH_CLIENT_ID", "forum")
	t.Setenv("OAUTH_CLIENT_SECRET", "secret")
	t.Setenv("OAUTH_REDIRECT_URI", "https://forum.example.org/auth/oauth2_basic/callback")
	t.Setenv("SESSION_SECRET", "cookie-secret")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("STORAGE_BUCKET", "")
	t.Setenv("LOCAL_STORAGE", "")
	t.Setenv("ENABLED_CONTACTS", "")
	t.Setenv("PORT", "")
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9000")

	cfg, err := loadConfig(&options{logLevel: "warn", port: 8081})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.HTTPPort != 8081 {
		t.Errorf("HTTPPort = %d, want the flag value 8081", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadConfigRejectsMissingOptions(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OAUTH_CLIENT_SECRET", "")
	// An empty variable leaves the default, which is unset.
	_, err := loadConfig(&options{})
	if !config.IsError(err) {
		t.Fatalf("loadConfig() error = %v, want a config error", err)
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.StorageConfig
	}{
		{name: "sqlite", cfg: config.StorageConfig{Backend: config.BackendSQLite, SQLitePath: filepath.Join(dir, "codes.sqlite")}},
		{name: "sqlite in new directory", cfg: config.StorageConfig{Backend: config.BackendSQLite, SQLitePath: filepath.Join(dir, "data", "nested", "oauth.sqlite")}},
		{name: "local", cfg: config.StorageConfig{Backend: config.BackendLocal, LocalPath: filepath.Join(dir, "objects")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closeStore, err := openStore(ctx, tt.cfg, testLogger())
			if err != nil {
				t.Fatalf("openStore() error = %v", err)
			}
			defer closeStore()

			if err := store.Ping(ctx); err != nil {
				t.Errorf("Ping() error = %v", err)
			}
			code, err := store.Issue(ctx, 7)
			if err != nil {
				t.Fatalf("Issue() error = %v", err)
			}
			contactID, err := store.Redeem(ctx, code)
			if err != nil || contactID != 7 {
				t.Errorf("Redeem() = %d, %v; want 7", contactID, err)
			}
		})
	}

	t.Run("unknown backend", func(t *testing.T) {
		if _, _, err := openStore(ctx, config.StorageConfig{Backend: "tape"}, testLogger()); err == nil {
			t.Error("openStore() accepted an unknown backend")
		}
	})
}

func TestOpenStoreDefaultsInEmptyDirectory(t *testing.T) {
	t.Chdir(t.TempDir())

	store, closeStore, err := openStore(context.Background(), config.Default().Storage, testLogger())
	if err != nil {
		t.Fatalf("openStore() with defaults error = %v", err)
	}
	defer closeStore()

	if _, err := os.Stat(config.Default().Storage.SQLitePath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestLocalStorePingFailsWhenDirectoryIsGone(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "objects")
	store, closeStore, err := openStore(ctx, config.StorageConfig{Backend: config.BackendLocal, LocalPath: dir}, testLogger())
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer closeStore()

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	err = store.Ping(ctx)
	if !storage.IsStorageError(err) {
		t.Errorf("Ping() error = %v, want a storage error", err)
	}
}

func TestOpenChatWithoutServerUsesMemory(t *testing.T) {
	chat, closeChat, err := openChat(context.Background(), config.ChatConfig{}, testLogger())
	if err != nil {
		t.Fatalf("openChat() error = %v", err)
	}
	defer closeChat()
	if _, ok := chat.(*chatnet.Memory); !ok {
		t.Errorf("openChat() = %T, want *chatnet.Memory", chat)
	}
}
