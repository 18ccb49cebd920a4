package server

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDiskProjects_OpenCachesAndValidates(t *testing.T) {
	projects, err := NewDiskProjects(t.TempDir(), discardLogger())
	require.NoError(t, err)
	defer projects.CloseAll()

	meta1, blobs1, err := projects.Open("bulldoggy")
	require.NoError(t, err)
	meta2, blobs2, err := projects.Open("bulldoggy")
	require.NoError(t, err)
	assert.Same(t, meta1, meta2)
	assert.Same(t, blobs1, blobs2)

	for _, bad := range []string{"", "..", ".hidden", "a/b", `a\b`, "-x"} {
		_, _, err := projects.Open(bad)
		assert.ErrorIs(t, err, ErrInvalidProject, bad)
	}
}

func TestFileTokenStore_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "tokens.json")
	s := NewFileTokenStore(path, discardLogger())
	require.NoError(t, s.Load())

	raw, info, err := s.CreateToken("ci", []string{"bulldoggy"}, PermissionReadWrite)
	require.NoError(t, err)
	assert.Regexp(t, `^wfr_[0-9a-f]{32}$`, raw)
	assert.Equal(t, HashToken(raw), info.TokenHash)

	got, err := s.GetByHash(HashToken(raw))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, info.ID, got.ID)

	missing, err := s.GetByHash(HashToken("nope"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpdateLastUsed(info.ID))
	list, err := s.ListTokens()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].LastUsedAt.IsZero())

	reloaded := NewFileTokenStore(path, discardLogger())
	require.NoError(t, reloaded.Load())
	got, err = reloaded.GetByHash(HashToken(raw))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"bulldoggy"}, got.Projects)

	require.NoError(t, reloaded.DeleteToken(info.ID))
	assert.Error(t, reloaded.DeleteToken(info.ID))
	list, err = reloaded.ListTokens()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSplitURLs(t *testing.T) {
	assert.Equal(t, []string{"http://a", "https://b"}, SplitURLs(" http://a, ,https://b ,"))
	assert.Nil(t, SplitURLs(""))
}
