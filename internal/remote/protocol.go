// Package remote implements the report-sharing protocol between wfr and wfr-server.
package remote

import (
	"time"

	"github.com/kilupskalvis/wfr/internal/models"
)

// RunReport is the payload uploaded for one completed run.
type RunReport struct {
	Project string      `json:"project"`
	Run     *models.Run `json:"run"`
}

// RunSummary is one row of a server-side run listing.
type RunSummary struct {
	ID         string        `json:"id"`
	Workflow   string        `json:"workflow"`
	Event      string        `json:"event"`
	Branch     string        `json:"branch,omitempty"`
	SHA        string        `json:"sha,omitempty"`
	Status     models.Status `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// Summarize builds the listing row for a run.
func Summarize(run *models.Run) *RunSummary {
	return &RunSummary{
		ID:         run.ID,
		Workflow:   run.Workflow,
		Event:      run.Event.Name,
		Branch:     run.Event.Branch,
		SHA:        run.Event.SHA,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

// LogCheckRequest asks which step logs the server already has.
type LogCheckRequest struct {
	Hashes []string `json:"hashes"`
}

// LogCheckResponse lists which logs exist and which are missing.
type LogCheckResponse struct {
	Have    []string `json:"have"`
	Missing []string `json:"missing"`
}

// ErrorResponse is the standard error response from the server.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

// GCResult contains the outcome of a log garbage collection run.
type GCResult struct {
	LogsScanned    int `json:"logs_scanned"`
	LogsDeleted    int `json:"logs_deleted"`
	ReferencedLogs int `json:"referenced_logs"`
}
