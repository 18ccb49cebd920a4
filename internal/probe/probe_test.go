package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(timeout time.Duration) *BackoffConfig {
	return &BackoffConfig{
		Timeout:        timeout,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		JitterFraction: 0,
	}
}

func TestHTTPProbe_ReadyAfterStartup(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	attempts, err := WaitUntilReady(context.Background(), &HTTPProbe{URL: srv.URL}, fastConfig(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestHTTPProbe_AnyNon5xxIsReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := (&HTTPProbe{URL: srv.URL}).Check(context.Background())
	assert.NoError(t, err)
}

func TestHTTPProbe_ExpectStatusMismatchIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := &HTTPProbe{URL: srv.URL, ExpectStatus: http.StatusOK}
	attempts, err := WaitUntilReady(context.Background(), p, fastConfig(5*time.Second))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int32(1), calls.Load())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Status)
}

func TestHTTPProbe_ExpectStatusMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := (&HTTPProbe{URL: srv.URL, ExpectStatus: http.StatusNoContent}).Check(context.Background())
	assert.NoError(t, err)
}

func TestWaitUntilReady_Timeout(t *testing.T) {
	// Grab a free port, then close it so nothing listens.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	start := time.Now()
	attempts, err := WaitUntilReady(context.Background(), &TCPProbe{Address: addr}, fastConfig(100*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Greater(t, attempts, 1)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitUntilReady_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WaitUntilReady(ctx, &TCPProbe{Address: "127.0.0.1:1"}, fastConfig(time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNotReady)
}

func TestTCPProbe_Listening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	p := &TCPProbe{Address: ln.Addr().String()}
	assert.NoError(t, p.Check(context.Background()))
	assert.Equal(t, "tcp://"+ln.Addr().String(), p.String())
}

func TestBackoff_CappedAtMax(t *testing.T) {
	cfg := &BackoffConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		JitterFraction: 0,
	}

	assert.Equal(t, 100*time.Millisecond, cfg.backoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.backoff(1))
	assert.Equal(t, 400*time.Millisecond, cfg.backoff(2))
	assert.Equal(t, 1*time.Second, cfg.backoff(10))
}

func TestBackoff_JitterBounds(t *testing.T) {
	cfg := &BackoffConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		JitterFraction: 0.5,
	}

	for i := 0; i < 50; i++ {
		d := cfg.backoff(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
