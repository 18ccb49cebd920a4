package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// Options configures a running wfr-server.
type Options struct {
	Listen        string
	DataDir       string
	AdminToken    string
	TLSCert       string
	TLSKey        string
	WebhookURLs   []string
	WebhookSecret string
	Config        *ServerConfig
}

// SplitURLs splits a comma-separated URL list, dropping blanks.
func SplitURLs(s string) []string {
	var urls []string
	for _, u := range strings.Split(s, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Serve runs the server until ctx is cancelled, then shuts down gracefully.
// If ready is non-nil it receives the bound address once listening.
func Serve(ctx context.Context, opts Options, logger *slog.Logger, ready chan<- net.Addr) error {
	if logger == nil {
		logger = slog.Default()
	}

	projects, err := NewDiskProjects(filepath.Join(opts.DataDir, "projects"), logger)
	if err != nil {
		return err
	}
	defer projects.CloseAll()

	tokens := NewFileTokenStore(filepath.Join(opts.DataDir, "tokens.json"), logger)
	if err := tokens.Load(); err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	cfg.AdminToken = opts.AdminToken
	if len(opts.WebhookURLs) > 0 {
		cfg.Webhooks = NewWebhookNotifier(&WebhookConfig{URLs: opts.WebhookURLs, Secret: opts.WebhookSecret}, logger)
		logger.Info("webhooks configured", "count", len(opts.WebhookURLs), "signed", opts.WebhookSecret != "")
	}
	if cfg.AdminToken == "" {
		logger.Warn("no admin token set, admin endpoints are disabled")
	}

	h, cleanup := Handler(projects, tokens, cfg, logger)
	defer cleanup()

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.Listen, err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting wfr-server", "listen", ln.Addr().String(), "data_dir", opts.DataDir)
		if opts.TLSCert != "" && opts.TLSKey != "" {
			errc <- srv.ServeTLS(ln, opts.TLSCert, opts.TLSKey)
		} else {
			errc <- srv.Serve(ln)
		}
	}()
	if ready != nil {
		ready <- ln.Addr()
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
