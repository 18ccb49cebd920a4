package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kilupskalvis/wfr/internal/models"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body when a secret is set.
const SignatureHeader = "X-Wfr-Signature"

// EventRunCompleted is sent after a run report is stored.
const EventRunCompleted = "run.completed"

// WebhookEvent represents the payload sent to webhook URLs.
type WebhookEvent struct {
	Event     string        `json:"event"`
	Project   string        `json:"project"`
	RunID     string        `json:"run_id"`
	Workflow  string        `json:"workflow"`
	Status    models.Status `json:"status"`
	Branch    string        `json:"branch,omitempty"`
	SHA       string        `json:"sha,omitempty"`
	Timestamp string        `json:"timestamp"`
}

// WebhookConfig holds the configured webhook URLs and optional signing secret.
type WebhookConfig struct {
	URLs   []string
	Secret string
}

// WebhookNotifier sends HTTP POST notifications to configured webhook URLs.
type WebhookNotifier struct {
	config     *WebhookConfig
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	wg         sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		config:     cfg,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		retryDelay: time.Second,
	}
}

// NotifyRunCompleted sends a run.completed event to all configured URLs.
// Delivery is asynchronous.
func (wn *WebhookNotifier) NotifyRunCompleted(project string, run *models.Run) {
	if wn == nil {
		return
	}

	event := &WebhookEvent{
		Event:     EventRunCompleted,
		Project:   project,
		RunID:     run.ID,
		Workflow:  run.Workflow,
		Status:    run.Status,
		Branch:    run.Event.Branch,
		SHA:       run.Event.SHA,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	wn.wg.Add(1)
	go func() {
		defer wn.wg.Done()
		wn.send(event)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (wn *WebhookNotifier) Wait() {
	if wn == nil {
		return
	}
	wn.wg.Wait()
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range wn.config.URLs {
		if err := wn.post(url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "error", err)
		} else {
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event)
		}
	}
}

// post sends a single webhook POST with up to 2 retries on 5xx or network errors.
func (wn *WebhookNotifier) post(url string, data []byte) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * wn.retryDelay)
		}

		req, err := http.NewRequest("POST", url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "wfr-server/1.0")
		if wn.config.Secret != "" {
			req.Header.Set(SignatureHeader, Sign(wn.config.Secret, data))
		}

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr
		}
	}

	return lastErr
}
