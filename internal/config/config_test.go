package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeAndLoad(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Initialize(dir, "ci/workflows")
	require.NoError(t, err)
	assert.True(t, cfg.Initialized())
	assert.DirExists(t, filepath.Join(dir, WFRDir, LogsDir))
	assert.FileExists(t, filepath.Join(dir, WFRDir, ConfigFile))

	loaded, err := LoadFrom(filepath.Join(dir, WFRDir))
	require.NoError(t, err)
	assert.Equal(t, "ci/workflows", loaded.WorkflowsDir)
	assert.Equal(t, DefaultKeepRuns, loaded.KeepRuns)
	assert.Equal(t, 5*time.Second, loaded.KillGrace())
	assert.Equal(t, dir, loaded.Workspace())
	assert.Equal(t, filepath.Join(dir, "ci/workflows"), loaded.WorkflowsPath())
	assert.Equal(t, filepath.Join(dir, WFRDir, DatabaseFile), loaded.DatabasePath())
	assert.Equal(t, filepath.Join(dir, WFRDir, LogsDir), loaded.LogsPath())
}

func TestInitialize_AlreadyExists(t *testing.T) {
	dir := t.TempDir()
	_, err := Initialize(dir, "")
	require.NoError(t, err)

	_, err = Initialize(dir, "")
	assert.ErrorContains(t, err, "already exists")
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Initialize(dir, "")
	require.NoError(t, err)

	cfg.Shell = "sh"
	cfg.KillGraceSeconds = 2
	cfg.Server.URL = "https://reports.example.com"
	cfg.Server.Project = "bulldoggy"
	require.NoError(t, cfg.Save())

	data, err := os.ReadFile(filepath.Join(dir, WFRDir, ConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[server]")
	assert.NotContains(t, string(data), "token")

	loaded, err := LoadFrom(filepath.Join(dir, WFRDir))
	require.NoError(t, err)
	assert.Equal(t, "sh", loaded.Shell)
	assert.Equal(t, 2*time.Second, loaded.KillGrace())
	assert.Equal(t, "https://reports.example.com", loaded.Server.URL)
	assert.Equal(t, "bulldoggy", loaded.Server.Project)
	assert.Equal(t, DefaultWorkflowsDir, loaded.WorkflowsDir)
}

func TestFindRootFrom(t *testing.T) {
	dir := t.TempDir()
	_, err := Initialize(dir, "")
	require.NoError(t, err)

	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	root, err := FindRootFrom(nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, WFRDir), root)

	_, err = FindRootFrom(t.TempDir())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestDefault(t *testing.T) {
	cfg := Default("/work")
	assert.False(t, cfg.Initialized())
	assert.Equal(t, filepath.Join("/work", DefaultWorkflowsDir), cfg.WorkflowsPath())
	assert.ErrorIs(t, cfg.Save(), ErrNotInitialized)

	cfg.KillGraceSeconds = 0
	assert.Equal(t, DefaultKillGraceSeconds*time.Second, cfg.KillGrace())
}

func TestLoadFrom_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("keep_runs = \"many\"\n"), 0644))
	_, err := LoadFrom(dir)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestToken(t *testing.T) {
	t.Setenv(TokenEnv, "secret")
	assert.Equal(t, "secret", Token())
}
