// Command wfr-server runs the wfr report server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kilupskalvis/wfr/internal/remote/server"
)

func main() {
	listen := flag.String("listen", envOrDefault("WFR_LISTEN", "0.0.0.0:8730"), "Listen address")
	dataDir := flag.String("data-dir", envOrDefault("WFR_DATA_DIR", "/var/lib/wfr-server"), "Data directory")
	adminToken := flag.String("admin-token", os.Getenv("WFR_ADMIN_TOKEN"), "Admin API token")
	logLevel := flag.String("log-level", envOrDefault("WFR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("WFR_LOG_FORMAT", "json"), "Log format (json, text)")
	tlsCert := flag.String("tls-cert", os.Getenv("WFR_TLS_CERT"), "TLS certificate file")
	tlsKey := flag.String("tls-key", os.Getenv("WFR_TLS_KEY"), "TLS key file")
	webhookURLs := flag.String("webhook-urls", os.Getenv("WFR_WEBHOOK_URLS"), "Comma-separated webhook URLs to notify when a run is uploaded")
	webhookSecret := flag.String("webhook-secret", os.Getenv("WFR_WEBHOOK_SECRET"), "HMAC secret for signing webhook payloads")
	maxLogMB := flag.Int64("max-log-mb", 256, "Largest step log accepted, in MiB")
	rpm := flag.Int("requests-per-minute", 300, "Per-token request limit (0 disables)")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "error", err, "path", *dataDir)
		os.Exit(1)
	}

	cfg := server.DefaultServerConfig()
	cfg.MaxLogSize = *maxLogMB << 20
	cfg.RequestsPerMinute = *rpm

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := server.Serve(ctx, server.Options{
		Listen:        *listen,
		DataDir:       *dataDir,
		AdminToken:    *adminToken,
		TLSCert:       *tlsCert,
		TLSKey:        *tlsKey,
		WebhookURLs:   server.SplitURLs(*webhookURLs),
		WebhookSecret: *webhookSecret,
		Config:        cfg,
	}, logger, nil)
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
