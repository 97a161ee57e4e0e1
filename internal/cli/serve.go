// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jeranaias/kot-relay/internal/cloud"
	"github.com/jeranaias/kot-relay/internal/config"
	"github.com/jeranaias/kot-relay/internal/history"
	"github.com/jeranaias/kot-relay/internal/relay"
	"github.com/jeranaias/kot-relay/internal/server"
	"github.com/jeranaias/kot-relay/internal/storage"
	"github.com/jeranaias/kot-relay/internal/uploads"
)

// shutdownTimeout bounds graceful shutdown after SIGINT or SIGTERM.
const shutdownTimeout = 10 * time.Second

// =============================================================================
// APP WIRING
// =============================================================================

// App is the fully wired relay process.
type App struct {
	Config   *config.Config
	History  *history.Store
	Sessions *storage.SessionStore
	Uploads  *uploads.Store
	Client   *cloud.Client
	Relay    *relay.Relay
	Server   *server.Server

	watcher *storage.Watcher
}

// NewApp builds every service from cfg. Each service receives its
// configuration explicitly.
func NewApp(cfg *config.Config) (*App, error) {
	hist := history.Open(cfg.Storage.HistoryFile)

	sessions, err := storage.NewSessionStore(cfg.Storage.SavedChatsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open saved chats: %w", err)
	}

	files, err := uploads.NewStore(cfg.Storage.UploadDir, cfg.Uploads.MaxFileSize, cfg.Uploads.MaxFiles, cfg.Uploads.AllowedMIMETypes)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload directory: %w", err)
	}

	client := cloud.NewClient(cfg.Upstream.APIKey).
		WithBaseURL(cfg.Upstream.BaseURL).
		WithTimeout(cfg.Upstream.RequestTimeout.Duration).
		WithDefaultModel(cfg.Upstream.DefaultModel).
		WithSiteURL(cfg.Upstream.Domain).
		WithSiteName(cfg.Upstream.AppName).
		WithSampling(cfg.Upstream.Temperature, cfg.Upstream.MaxTokens)

	rl := relay.New(hist, client, relay.Options{
		SystemPrompt:   cfg.Upstream.SystemPrompt,
		DefaultModel:   cfg.Upstream.DefaultModel,
		PublicBaseURL:  cfg.PublicBaseURL(),
		WindowSize:     cfg.Upstream.WindowSize,
		MaxEventBytes:  cfg.Limits.MaxEventBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Files:          files,
	})

	app := &App{
		Config:   cfg,
		History:  hist,
		Sessions: sessions,
		Uploads:  files,
		Client:   client,
		Relay:    rl,
		Server: server.New(cfg, server.Deps{
			History:  hist,
			Sessions: sessions,
			Uploads:  files,
			Models:   client,
			Relay:    rl,
		}),
	}

	if cfg.Storage.WatchSavedChats {
		w, err := storage.NewWatcher(sessions, 0)
		if err == nil {
			err = w.Start()
		}
		if err != nil {
			// The index still reflects the relay's own writes.
			log.Printf("WATCHER_DISABLED | dir=%s error=%v", sessions.BaseDir, err)
		} else {
			app.watcher = w
		}
	}

	return app, nil
}

// Shutdown stops the HTTP server, closes websocket connections and stops
// the saved-chats watcher.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

// HandleServe handles the "serve" command: it runs until SIGINT or SIGTERM.
func HandleServe(args Args) error {
	cfg, err := LoadConfig(args)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg)
	if err != nil {
		return NewCommandError("serve", "start", err)
	}

	if !args.Quiet {
		PrintBanner(os.Stdout, app)
	}
	if !app.Client.IsConfigured() {
		log.Printf("UPSTREAM_NOT_CONFIGURED | set OPENROUTER_API_KEY to enable completions")
	} else {
		log.Printf("UPSTREAM_CONFIGURED | key_fingerprint=%s model=%s", app.Client.KeyFingerprint(), cfg.Upstream.DefaultModel)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil {
			_ = app.Shutdown(context.Background())
			return NewCommandError("serve", "listen", err)
		}
		return nil
	case sig := <-sigCh:
		log.Printf("SIGNAL_RECEIVED | signal=%s", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		return NewCommandError("serve", "shutdown", err)
	}
	return <-errCh
}

// =============================================================================
// BANNER
// =============================================================================

// PrintBanner writes the startup summary.
func PrintBanner(w io.Writer, app *App) {
	cfg := app.Config

	width := GetTerminalWidth() - 4
	if width > 60 {
		width = 60
	}

	upstream := "missing"
	key := "not set"
	if app.Client.IsConfigured() {
		upstream = "configured"
		key = app.Client.APIKeyMasked()
	}

	transcript := cfg.Storage.HistoryFile
	if transcript == "" {
		transcript = "(memory only)"
	}

	fmt.Fprintln(w, TitleStyle.Render("Kot Relay "+Version))
	fmt.Fprintln(w, RenderSeparator(width))
	fmt.Fprintln(w, RenderField("Listening", "http://"+displayAddr(cfg)))
	fmt.Fprintln(w, RenderField("WebSocket", "/ws"))
	fmt.Fprintln(w, RenderField("Model", cfg.Upstream.DefaultModel))
	fmt.Fprintln(w, RenderField("Upstream", upstream)+" "+RenderStatus(upstream))
	fmt.Fprintln(w, RenderField("API key", key))
	fmt.Fprintln(w, RenderField("History", fmt.Sprintf("%s (%d messages)", transcript, app.History.Len())))
	fmt.Fprintln(w, RenderField("Saved chats", fmt.Sprintf("%s (%d)", cfg.Storage.SavedChatsDir, app.Sessions.Count())))
	fmt.Fprintln(w, RenderField("Uploads", cfg.Storage.UploadDir))
	if cfg.Server.StaticDir != "" {
		fmt.Fprintln(w, RenderField("Web client", cfg.Server.StaticDir))
	}
	fmt.Fprintln(w, RenderSeparator(width))
	fmt.Fprintln(w, DimStyle.Render("Press Ctrl+C to stop."))
}

func displayAddr(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" {
		host = "localhost"
	}
	return host + ":" + strconv.Itoa(cfg.Server.Port)
}
