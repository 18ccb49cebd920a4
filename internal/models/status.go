package models

// Status is the lifecycle state of a run, job or step
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Done returns true once the status can no longer change
func (s Status) Done() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// severity orders statuses so the worst one wins when rolling up results.
func (s Status) severity() int {
	switch s {
	case StatusSkipped:
		return 0
	case StatusSuccess:
		return 1
	case StatusPending, StatusRunning:
		return 2
	case StatusCancelled:
		return 3
	case StatusFailure:
		return 4
	}
	return 2
}

// Worst returns the most severe of the given statuses.
// An empty list is a success.
func Worst(statuses ...Status) Status {
	worst := StatusSuccess
	seen := false
	for _, s := range statuses {
		if !seen || s.severity() > worst.severity() {
			worst = s
			seen = true
		}
	}
	if worst == StatusSkipped {
		return StatusSuccess
	}
	return worst
}
