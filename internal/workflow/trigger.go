package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kilupskalvis/wfr/internal/models"
)

// ErrNoMatchingWorkflow is returned when no workflow reacts to an event
var ErrNoMatchingWorkflow = errors.New("no workflow matches the event")

// Select returns the workflows triggered by ev, keeping their order
func Select(workflows []*Workflow, ev models.Event) ([]*Workflow, error) {
	var matched []*Workflow
	for _, wf := range workflows {
		if wf.Matches(ev) {
			matched = append(matched, wf)
		}
	}
	if len(matched) == 0 {
		if ev.Branch != "" {
			return nil, fmt.Errorf("%w: %s on %s", ErrNoMatchingWorkflow, ev.Name, ev.Branch)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoMatchingWorkflow, ev.Name)
	}
	return matched, nil
}

// Matches reports whether the workflow is triggered by ev
func (w *Workflow) Matches(ev models.Event) bool {
	switch ev.Name {
	case models.EventPush:
		return w.On.Push != nil && w.On.Push.Matches(ev.FilterBranch())
	case models.EventPullRequest:
		return w.On.PullRequest != nil && w.On.PullRequest.Matches(ev.FilterBranch())
	case models.EventWorkflowDispatch:
		return w.On.WorkflowDispatch != nil
	}
	return false
}

// Matches applies branch and branches-ignore filters to a branch name.
// Patterns in branches are evaluated in order; a `!` prefix removes a prior match.
func (f *BranchFilter) Matches(branch string) bool {
	if f == nil {
		return false
	}

	if len(f.Branches) > 0 {
		matched := false
		for _, p := range f.Branches {
			if neg, ok := strings.CutPrefix(p, "!"); ok {
				if globMatch(neg, branch) {
					matched = false
				}
				continue
			}
			if globMatch(p, branch) {
				matched = true
			}
		}
		return matched
	}

	for _, p := range f.BranchesIgnore {
		if globMatch(p, branch) {
			return false
		}
	}
	return true
}

// globMatch implements the filter pattern syntax of hosted workflows:
// `*` stays within a path segment, `**` crosses `/`, `?` and `+` quantify the
// preceding character, and `[...]` is a character class.
func globMatch(pattern, s string) bool {
	re, err := regexp.Compile(globToRegexp(pattern))
	if err != nil {
		return pattern == s
	}
	return re.MatchString(s)
}

func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	// a quantifier with nothing before it to repeat is a literal
	repeatable := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		next := true
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
			next = false
		case '?', '+':
			if repeatable {
				b.WriteByte(c)
				next = false
			} else {
				b.WriteString(regexp.QuoteMeta(string(c)))
			}
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta(pattern[i:]))
				i = len(pattern)
				continue
			}
			b.WriteString(pattern[i : i+end+1])
			i += end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
		repeatable = next
	}
	b.WriteString("$")
	return b.String()
}
