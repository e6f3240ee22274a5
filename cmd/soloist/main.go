// soloist is a single-actor ActivityPub server: one local account,
// federating with the rest of the fediverse. It runs as a single
// binary with SQLite by default; set DATABASE_HOST for PostgreSQL.
//
// Usage:
//
//	export DOMAIN=social.example.com
//	export USER_HANDLE=alice
//	export USER_PASSWORD_BCRYPT='$2a$10$...'
//	./soloist
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mkarls/soloist/internal/ap"
	"github.com/mkarls/soloist/internal/config"
	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/delivery"
	"github.com/mkarls/soloist/internal/notify"
	"github.com/mkarls/soloist/internal/server"
	"github.com/mkarls/soloist/internal/storage"
)

func main() {
	// Structured JSON logging by default — easy to parse with any log aggregator.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting soloist", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"domain", cfg.Domain,
		"handle", cfg.UserHandle,
		"objectStore", cfg.ObjectStore,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	databaseURL := cfg.SQLitePath
	if cfg.DatabaseHost != "" {
		databaseURL = cfg.PostgresDSN()
	}
	store, err := db.Open(databaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Instance keypair (generated on first boot) ───────────────────────────
	setting, err := store.GetSetting()
	if errors.Is(err, db.ErrNotFound) {
		pub, priv, kerr := ap.GenerateKeyPair()
		if kerr != nil {
			slog.Error("failed to generate keypair", "error", kerr)
			os.Exit(1)
		}
		setting, err = store.CreateSetting(pub, priv)
		if err == nil {
			slog.Info("generated instance keypair")
		}
	}
	if err != nil {
		slog.Error("failed to load settings", "error", err)
		os.Exit(1)
	}

	privKey, err := ap.ParsePrivateKey(setting.UserPrivateKey)
	if err != nil {
		slog.Error("failed to parse instance private key", "error", err)
		os.Exit(1)
	}

	// ─── Object storage ───────────────────────────────────────────────────────
	files, err := storage.New(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to set up object storage", "error", err)
		os.Exit(1)
	}

	// ─── Federation plumbing ──────────────────────────────────────────────────
	urls := ap.URLs{Domain: cfg.Domain}
	client := ap.NewClient(store, urls, privKey)
	outbox := ap.NewOutbox(store, urls)
	bus := notify.NewBus()
	defer bus.Close()
	inbox := ap.NewInbox(store, client, outbox, bus, urls)

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Delivery worker ──────────────────────────────────────────────────────
	go delivery.NewWorker(store, client).Run(ctx)

	// ─── HTTP server ──────────────────────────────────────────────────────────
	srv := server.New(cfg, store, client, inbox, outbox, bus, files)
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("soloist stopped")
}
