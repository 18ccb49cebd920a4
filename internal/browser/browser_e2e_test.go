//go:build e2e

package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	code := m.Run()
	// Launcher kills its own browser, this only catches crashes mid-test.
	exec.Command("pkill", "-f", "rod/browser").Run()
	os.Exit(code)
}

func loginServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><head><title>Login | Bulldoggy reminders app</title></head><body></body></html>")
	}))
}

func TestCheckTitle_Match(t *testing.T) {
	srv := loginServer()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	bin, err := Install(ctx, "chromium")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Bin = bin
	got, err := CheckTitle(ctx, cfg, srv.URL+"/login", "Login | Bulldoggy reminders app")
	require.NoError(t, err)
	assert.Equal(t, "Login | Bulldoggy reminders app", got)
}

func TestCheckTitle_Mismatch(t *testing.T) {
	srv := loginServer()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	bin, err := Install(ctx, "chromium")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Bin = bin
	got, err := CheckTitle(ctx, cfg, srv.URL+"/login", "Reminders")
	require.Error(t, err)
	var mismatch *TitleMismatchError
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "Login | Bulldoggy reminders app", got)
}
