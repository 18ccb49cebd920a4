package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/kilupskalvis/wfr/internal/models"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient wraps a ReportClient with automatic retry on transient errors.
type RetryClient struct {
	inner  ReportClient
	config *RetryConfig
}

// NewRetryClient creates a RetryClient that wraps the given ReportClient.
func NewRetryClient(inner ReportClient, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

// isTransient returns true for errors that are worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

// backoff computes the delay for the given attempt with jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	base := float64(rc.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(rc.config.MaxBackoff) {
		base = float64(rc.config.MaxBackoff)
	}
	jitter := base * rc.config.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry executes fn with retry logic. Only retries transient errors.
func (rc *RetryClient) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rc.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt < rc.config.MaxRetries {
			if err := sleep(ctx, rc.backoff(attempt)); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, rc.config.MaxRetries)
}

func (rc *RetryClient) CheckLogs(ctx context.Context, hashes []string) (resp *LogCheckResponse, err error) {
	err = rc.retry(ctx, "check logs", func() error {
		resp, err = rc.inner.CheckLogs(ctx, hashes)
		return err
	})
	return
}

// UploadLog is retried because the log is fully buffered and the server
// treats a repeated upload of the same hash as a no-op.
func (rc *RetryClient) UploadLog(ctx context.Context, hash string, data []byte) error {
	return rc.retry(ctx, "upload log", func() error {
		return rc.inner.UploadLog(ctx, hash, data)
	})
}

func (rc *RetryClient) DownloadLog(ctx context.Context, hash string) (data []byte, err error) {
	err = rc.retry(ctx, "download log", func() error {
		data, err = rc.inner.DownloadLog(ctx, hash)
		return err
	})
	return
}

func (rc *RetryClient) UploadRun(ctx context.Context, run *models.Run) error {
	return rc.retry(ctx, "upload run", func() error {
		return rc.inner.UploadRun(ctx, run)
	})
}

func (rc *RetryClient) GetRun(ctx context.Context, id string) (run *models.Run, err error) {
	err = rc.retry(ctx, "get run", func() error {
		run, err = rc.inner.GetRun(ctx, id)
		return err
	})
	return
}

func (rc *RetryClient) ListRuns(ctx context.Context, limit int, workflow string) (runs []*RunSummary, err error) {
	err = rc.retry(ctx, "list runs", func() error {
		runs, err = rc.inner.ListRuns(ctx, limit, workflow)
		return err
	})
	return
}
