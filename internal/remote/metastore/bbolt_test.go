package metastore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/wfr/internal/models"
)

func newTestStore(t *testing.T) *BboltStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test-meta.db")
	s, err := NewBboltStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRun(id, workflow string, startOffset time.Duration, hashes ...string) *models.Run {
	job := &models.JobResult{JobID: "e2e", Status: models.StatusSuccess}
	for i, h := range hashes {
		job.Steps = append(job.Steps, &models.StepResult{Index: i + 1, Status: models.StatusSuccess, LogHash: h})
	}
	return &models.Run{
		ID:        id,
		Workflow:  workflow,
		Event:     models.PushEvent("main", "abc"),
		Status:    models.StatusSuccess,
		StartedAt: base.Add(startOffset),
		Jobs:      []*models.JobResult{job},
	}
}

func TestBboltStore_PutGetRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	run := testRun("a1b2c3d4-run", "E2E", 0, "h1")
	require.NoError(t, s.PutRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "E2E", got.Workflow)
	assert.True(t, run.StartedAt.Equal(got.StartedAt))
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, "h1", got.Jobs[0].Steps[0].LogHash)
}

func TestBboltStore_GetRunPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutRun(ctx, testRun("abc111", "E2E", 0)))
	require.NoError(t, s.PutRun(ctx, testRun("abc222", "E2E", time.Minute)))

	got, err := s.GetRun(ctx, "abc2")
	require.NoError(t, err)
	assert.Equal(t, "abc222", got.ID)

	_, err = s.GetRun(ctx, "abc")
	assert.ErrorIs(t, err, ErrAmbiguous)

	_, err = s.GetRun(ctx, "abd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBboltStore_ListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		wf := "E2E"
		if i%2 == 1 {
			wf = "Lint"
		}
		require.NoError(t, s.PutRun(ctx, testRun(fmt.Sprintf("run-%d", i), wf, time.Duration(i)*time.Minute)))
	}

	runs, err := s.ListRuns(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, runs, 5)
	assert.Equal(t, "run-4", runs[0].ID)
	assert.Equal(t, "run-0", runs[4].ID)

	runs, err = s.ListRuns(ctx, 2, "E2E")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-4", runs[0].ID)
	assert.Equal(t, "run-2", runs[1].ID)
}

func TestBboltStore_PutRunReplacesIndexEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := testRun("r1", "E2E", 0)
	require.NoError(t, s.PutRun(ctx, run))

	run.StartedAt = base.Add(time.Hour)
	run.Status = models.StatusFailure
	require.NoError(t, s.PutRun(ctx, run))

	runs, err := s.ListRuns(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StatusFailure, runs[0].Status)

	count, err := s.RunCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBboltStore_DeleteRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutRun(ctx, testRun("r1", "E2E", 0)))
	require.NoError(t, s.DeleteRun(ctx, "r1"))
	assert.ErrorIs(t, s.DeleteRun(ctx, "r1"), ErrNotFound)

	runs, err := s.ListRuns(ctx, 0, "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestBboltStore_AllLogHashes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutRun(ctx, testRun("r1", "E2E", 0, "h1", "h2")))
	require.NoError(t, s.PutRun(ctx, testRun("r2", "E2E", time.Minute, "h2", "h3")))

	hashes, err := s.AllLogHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"h1": true, "h2": true, "h3": true}, hashes)
}

func TestBboltStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "meta.db")

	s, err := NewBboltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.PutRun(ctx, testRun("r1", "E2E", 0)))
	require.NoError(t, s.Close())

	s, err = NewBboltStore(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetRun(ctx, "r1")
	assert.NoError(t, err)
}
