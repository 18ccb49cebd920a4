package models

// Event names understood by trigger matching
const (
	EventPush             = "push"
	EventPullRequest      = "pull_request"
	EventWorkflowDispatch = "workflow_dispatch"
)

// Event describes the repository event a run was started for.
// For pull requests, Branch is the head branch and BaseBranch the target.
type Event struct {
	Name       string `json:"name"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
	SHA        string `json:"sha,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

// PushEvent creates a push event for a branch
func PushEvent(branch, sha string) Event {
	return Event{Name: EventPush, Branch: branch, SHA: sha}
}

// PullRequestEvent creates a pull_request event from head into base
func PullRequestEvent(head, base, sha string) Event {
	return Event{Name: EventPullRequest, Branch: head, BaseBranch: base, SHA: sha}
}

// DispatchEvent creates a manual workflow_dispatch event
func DispatchEvent(branch, sha string) Event {
	return Event{Name: EventWorkflowDispatch, Branch: branch, SHA: sha}
}

// FilterBranch returns the branch that trigger filters are evaluated against.
func (e Event) FilterBranch() string {
	if e.Name == EventPullRequest && e.BaseBranch != "" {
		return e.BaseBranch
	}
	return e.Branch
}

// Ref returns the fully qualified git ref for the event branch
func (e Event) Ref() string {
	if e.Branch == "" {
		return ""
	}
	return "refs/heads/" + e.Branch
}
