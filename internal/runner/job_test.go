package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kilupskalvis/wfr/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestStepStatus(t *testing.T) {
	live := context.Background()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	expired, cancelExpired := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancelExpired()
	<-expired.Done()

	// the step's own deadline passes while the job is still running
	stepCtx, cancelStep := context.WithTimeout(live, time.Nanosecond)
	defer cancelStep()
	<-stepCtx.Done()

	tests := []struct {
		name   string
		parent context.Context
		err    error
		want   models.Status
	}{
		{"success", live, nil, models.StatusSuccess},
		{"success after cancel", cancelled, nil, models.StatusSuccess},
		{"exit code", live, errors.New("process completed with exit code 1"), models.StatusFailure},
		{"job cancelled", cancelled, context.Canceled, models.StatusCancelled},
		{"job timed out", expired, context.DeadlineExceeded, models.StatusCancelled},
		{"step timed out", live, stepCtx.Err(), models.StatusFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stepStatus(tt.parent, tt.err))
		})
	}
}
