package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Done(t *testing.T) {
	assert.False(t, StatusPending.Done())
	assert.False(t, StatusRunning.Done())
	assert.True(t, StatusSuccess.Done())
	assert.True(t, StatusFailure.Done())
	assert.True(t, StatusCancelled.Done())
	assert.True(t, StatusSkipped.Done())
}

func TestWorst(t *testing.T) {
	assert.Equal(t, StatusSuccess, Worst())
	assert.Equal(t, StatusSuccess, Worst(StatusSuccess, StatusSkipped))
	assert.Equal(t, StatusSuccess, Worst(StatusSkipped))
	assert.Equal(t, StatusFailure, Worst(StatusSuccess, StatusFailure, StatusCancelled))
	assert.Equal(t, StatusCancelled, Worst(StatusSuccess, StatusCancelled))
}

func TestEvent_FilterBranch(t *testing.T) {
	push := PushEvent("main", "abc")
	assert.Equal(t, "main", push.FilterBranch())
	assert.Equal(t, "refs/heads/main", push.Ref())

	pr := PullRequestEvent("feature/x", "main", "abc")
	assert.Equal(t, "main", pr.FilterBranch())
	assert.Equal(t, "refs/heads/feature/x", pr.Ref())

	assert.Equal(t, "", Event{Name: EventWorkflowDispatch}.Ref())
}

func TestRun_ShortIDAndDuration(t *testing.T) {
	start := time.Now()
	r := &Run{ID: "0123456789abcdef", StartedAt: start}
	assert.Equal(t, "01234567", r.ShortID())
	assert.Zero(t, r.Duration())

	r.FinishedAt = start.Add(3 * time.Second)
	assert.Equal(t, 3*time.Second, r.Duration())
}

func TestRun_FailedStepAndLogHashes(t *testing.T) {
	r := &Run{
		Jobs: []*JobResult{{
			JobID: "build",
			Steps: []*StepResult{
				{Name: "ok", Status: StatusSuccess, LogHash: "aa"},
				{Name: "boom", Status: StatusFailure, LogHash: "bb"},
				{Name: "later", Status: StatusSkipped, LogHash: "aa"},
			},
		}},
	}

	job, step := r.FailedStep()
	if assert.NotNil(t, step) {
		assert.Equal(t, "build", job.JobID)
		assert.Equal(t, "boom", step.Name)
	}
	assert.Equal(t, []string{"aa", "bb"}, r.LogHashes())
}
