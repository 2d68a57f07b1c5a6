// Package app wires configuration, storage, the feed hub and the HTTP
// server into a running process.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"chatstream/internal/retention"
	"chatstream/pkg/api"
	"chatstream/pkg/auth"
	"chatstream/pkg/blob"
	"chatstream/pkg/config"
	"chatstream/pkg/feed"
	"chatstream/pkg/logger"
	"chatstream/pkg/models"
	"chatstream/pkg/presence"
	"chatstream/pkg/store"
)

// App is the composed server process.
type App struct {
	cfg     *config.Config
	version string

	hub      *feed.Hub
	blobs    *blob.Store
	tokens   *auth.JWTManager
	presence *presence.Registry
	srv      *http.Server
}

// New returns an unstarted App.
func New(cfg *config.Config, version string) *App {
	return &App{cfg: cfg, version: version}
}

// Run starts everything and blocks until ctx is cancelled or the HTTP
// server fails.
func (a *App) Run(ctx context.Context) error {
	dbPath := a.cfg.Storage.DBPath
	if dbPath == "" {
		dbPath = "./.database"
	}
	if err := store.Open(dbPath); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store_close_failed", "error", err)
		}
	}()

	blobPath := a.cfg.Storage.BlobPath
	if blobPath == "" {
		blobPath = "./.blobs"
	}
	limits := make(map[models.Kind]int64, len(a.cfg.Uploads.MaxBytes))
	for k, v := range a.cfg.Uploads.MaxBytes {
		limits[models.Kind(k)] = v
	}
	blobs, err := blob.New(blobPath, limits)
	if err != nil {
		return fmt.Errorf("failed to prepare blob store: %w", err)
	}
	a.blobs = blobs

	secret := a.cfg.Auth.TokenSecret
	if secret == "" {
		// ephemeral secret: fine for dev, tokens die with the process
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("failed to generate token secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		logger.Warn("token_secret_generated", "msg", "no auth.token_secret configured; tokens will not survive restarts")
	}
	ttl := 24 * time.Hour
	if a.cfg.Auth.TokenTTL != "" {
		d, err := time.ParseDuration(a.cfg.Auth.TokenTTL)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid auth.token_ttl: %s", a.cfg.Auth.TokenTTL)
		}
		ttl = d
	}
	a.tokens = auth.NewJWTManager(secret, ttl)

	a.hub = feed.NewHub()
	go a.hub.Run()
	a.presence = presence.NewRegistry(func(p models.Presence) {
		a.hub.PublishAll(feed.PresenceChange(p))
	})

	stopRetention, err := retention.Start(ctx, a.cfg, a.blobs)
	if err != nil {
		return fmt.Errorf("failed to start retention: %w", err)
	}
	defer stopRetention()

	errCh := a.startHTTP()
	logger.Info("server_started", "addr", a.cfg.Addr(), "version", a.version)

	select {
	case <-ctx.Done():
		logger.Info("server_stopping")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutCtx); err != nil {
			logger.Error("server_shutdown_failed", "error", err)
			return err
		}
		logger.Info("server_stopped")
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server_failed", "error", err)
			return err
		}
		return nil
	}
}

// server returns the API server wired to this app's collaborators.
func (a *App) server() *api.Server {
	return api.NewServer(a.blobs, a.hub, a.presence, a.tokens)
}
