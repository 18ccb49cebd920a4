// Package browser locates a headless Chromium and uses it to check pages.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// ErrUnsupportedEngine is returned for engines other than chromium
var ErrUnsupportedEngine = errors.New("unsupported browser engine")

// Config configures browser launches.
type Config struct {
	Bin       string        // browser binary; empty means look up or download
	Headless  bool          // run without a window (default: true)
	Timeout   time.Duration // navigation timeout (default: 30s)
	NoSandbox bool          // needed in most containers
}

// DefaultConfig returns headless defaults suitable for CI machines.
func DefaultConfig() Config {
	return Config{
		Headless:  true,
		Timeout:   30 * time.Second,
		NoSandbox: true,
	}
}

// NormalizeEngine maps an engine name to the canonical one or returns
// ErrUnsupportedEngine.
func NormalizeEngine(engine string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "", "chromium", "chrome":
		return "chromium", nil
	default:
		return "", fmt.Errorf("%w: %q (only chromium is available)", ErrUnsupportedEngine, engine)
	}
}

// Install makes a Chromium binary available and returns its path. A system
// Chrome or Chromium on PATH is used when present; otherwise go-rod downloads
// its pinned revision into the user cache.
func Install(ctx context.Context, engine string) (string, error) {
	if _, err := NormalizeEngine(engine); err != nil {
		return "", err
	}

	if path, ok := launcher.LookPath(); ok {
		return path, nil
	}

	b := launcher.NewBrowser()
	b.Context = ctx
	path, err := b.Get()
	if err != nil {
		return "", fmt.Errorf("download chromium: %w", err)
	}
	return path, nil
}

// CheckTitle opens url in a fresh browser and returns the page title. The
// error is non-nil when the title differs from want.
func CheckTitle(ctx context.Context, cfg Config, url, want string) (string, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	l := launcher.New().Context(ctx).Headless(cfg.Headless).Set("disable-gpu")
	if cfg.NoSandbox {
		l = l.Set("no-sandbox")
	}
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("failed to launch browser: %w", err)
	}
	defer l.Kill()

	b := rod.New().Context(ctx).ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return "", fmt.Errorf("failed to connect to browser: %w", err)
	}
	defer b.Close()

	page, err := b.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("failed to load %s: %w", url, err)
	}

	info, err := page.Info()
	if err != nil {
		return "", fmt.Errorf("failed to read page info: %w", err)
	}

	if info.Title != want {
		return info.Title, &TitleMismatchError{URL: url, Want: want, Got: info.Title}
	}
	return info.Title, nil
}

// TitleMismatchError reports a page whose title is not the expected one
type TitleMismatchError struct {
	URL  string
	Want string
	Got  string
}

func (e *TitleMismatchError) Error() string {
	return fmt.Sprintf("%s: page title %q, want %q", e.URL, e.Got, e.Want)
}
