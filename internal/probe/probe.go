// Package probe waits for a service to become ready.
// It replaces a fixed sleep with repeated checks under exponential backoff.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// Probe checks a service once
type Probe interface {
	Check(ctx context.Context) error
	String() string
}

// PermanentError marks a check failure that retrying will not fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// StatusError is returned when an HTTP probe gets an unexpected status
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.URL, e.Status)
}

// HTTPProbe issues a GET and accepts ExpectStatus, or any status below 500
// when ExpectStatus is zero.
type HTTPProbe struct {
	URL          string
	ExpectStatus int
	Client       *http.Client
}

// Check implements Probe
func (p *HTTPProbe) Check(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("create request: %w", err)}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	if p.ExpectStatus != 0 {
		if resp.StatusCode == p.ExpectStatus {
			return nil
		}
		err := &StatusError{URL: p.URL, Status: resp.StatusCode}
		if resp.StatusCode < 500 {
			return &PermanentError{Err: err}
		}
		return err
	}

	if resp.StatusCode >= 500 {
		return &StatusError{URL: p.URL, Status: resp.StatusCode}
	}
	return nil
}

func (p *HTTPProbe) String() string { return p.URL }

// TCPProbe succeeds once a TCP connection can be opened
type TCPProbe struct {
	Address string
}

// Check implements Probe
func (p *TCPProbe) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p *TCPProbe) String() string { return "tcp://" + p.Address }

// BackoffConfig configures how long and how often to probe
type BackoffConfig struct {
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultBackoffConfig returns sensible readiness defaults.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Timeout:        30 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.2,
	}
}

// backoff computes the delay for the given attempt with jitter.
func (c *BackoffConfig) backoff(attempt int) time.Duration {
	base := float64(c.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(c.MaxBackoff) {
		base = float64(c.MaxBackoff)
	}
	jitter := base * c.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// ErrNotReady is returned when the probe never succeeded within the timeout
var ErrNotReady = errors.New("service not ready")

// WaitUntilReady runs p until it succeeds, fails permanently, or the timeout
// expires. It returns the number of checks made.
func WaitUntilReady(ctx context.Context, p Probe, cfg *BackoffConfig) (int, error) {
	if cfg == nil {
		cfg = DefaultBackoffConfig()
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = p.Check(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}

		var perm *PermanentError
		if errors.As(lastErr, &perm) {
			return attempt + 1, fmt.Errorf("%s: %w", p, perm.Err)
		}

		if err := sleep(ctx, cfg.backoff(attempt)); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return attempt + 1, fmt.Errorf("%s after %s: %w (last error: %v)", p, cfg.Timeout, ErrNotReady, lastErr)
			}
			return attempt + 1, fmt.Errorf("%s: %w (wait cancelled)", p, err)
		}
	}
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

// Sleep is a context-aware fixed delay
func Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}
