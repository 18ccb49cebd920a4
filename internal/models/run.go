package models

import "time"

// StepResult records the outcome of a single workflow step
type StepResult struct {
	Index      int       `json:"index"`
	ID         string    `json:"id,omitempty"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Outcome    Status    `json:"outcome"` // before continue-on-error is applied
	ExitCode   int       `json:"exit_code"`
	Background bool      `json:"background,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	LogPath    string    `json:"log_path,omitempty"`
	LogHash    string    `json:"log_hash,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Duration returns how long the step ran
func (s *StepResult) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// JobResult records the outcome of one job and its steps
type JobResult struct {
	JobID      string        `json:"job_id"`
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Steps      []*StepResult `json:"steps"`
}

// Run is a single execution of a workflow for an event
type Run struct {
	ID           string       `json:"id"`
	Workflow     string       `json:"workflow"`
	WorkflowPath string       `json:"workflow_path,omitempty"`
	Event        Event        `json:"event"`
	Status       Status       `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at,omitempty"`
	Jobs         []*JobResult `json:"jobs"`
}

// ShortID returns a shortened run ID (first 8 characters)
func (r *Run) ShortID() string {
	if len(r.ID) > 8 {
		return r.ID[:8]
	}
	return r.ID
}

// Duration returns the wall-clock time of the run
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FailedStep returns the first step whose outcome failed the run, or nil.
func (r *Run) FailedStep() (*JobResult, *StepResult) {
	for _, job := range r.Jobs {
		for _, step := range job.Steps {
			if step.Status == StatusFailure || step.Status == StatusCancelled {
				return job, step
			}
		}
	}
	return nil, nil
}

// LogHashes returns the distinct log hashes referenced by the run's steps
func (r *Run) LogHashes() []string {
	seen := make(map[string]bool)
	var hashes []string
	for _, job := range r.Jobs {
		for _, step := range job.Steps {
			if step.LogHash == "" || seen[step.LogHash] {
				continue
			}
			seen[step.LogHash] = true
			hashes = append(hashes, step.LogHash)
		}
	}
	return hashes
}
