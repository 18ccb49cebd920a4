package workflow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dominikbraun/graph"
)

// Validate checks the workflow for structural problems.
// All problems are reported together.
func (w *Workflow) Validate() error {
	var errs []error

	if len(w.Jobs) == 0 {
		errs = append(errs, errors.New("workflow has no jobs"))
	}
	if len(w.On.Events()) == 0 {
		errs = append(errs, errors.New("workflow declares no triggers"))
	}
	for name, f := range map[string]*BranchFilter{"push": w.On.Push, "pull_request": w.On.PullRequest} {
		if f != nil && len(f.Branches) > 0 && len(f.BranchesIgnore) > 0 {
			errs = append(errs, fmt.Errorf("%s: branches and branches-ignore cannot be combined", name))
		}
	}

	for _, id := range w.jobIDs() {
		job := w.Jobs[id]
		if len(job.Steps) == 0 {
			errs = append(errs, fmt.Errorf("job '%s' has no steps", id))
		}
		if job.TimeoutMinutes < 0 {
			errs = append(errs, fmt.Errorf("job '%s': timeout-minutes must not be negative", id))
		}
		for _, need := range job.Needs {
			if _, ok := w.Jobs[need]; !ok {
				errs = append(errs, fmt.Errorf("job '%s' needs unknown job '%s'", id, need))
			}
		}

		seen := make(map[string]int)
		for i, step := range job.Steps {
			where := fmt.Sprintf("job '%s' step %d (%s)", id, i+1, step.DisplayName())
			switch {
			case step.Uses == "" && step.Run == "":
				errs = append(errs, fmt.Errorf("%s: one of 'uses' or 'run' is required", where))
			case step.Uses != "" && step.Run != "":
				errs = append(errs, fmt.Errorf("%s: 'uses' and 'run' cannot be combined", where))
			}
			if step.Background && step.Uses != "" {
				errs = append(errs, fmt.Errorf("%s: only 'run' steps can run in the background", where))
			}
			if step.TimeoutMinutes < 0 {
				errs = append(errs, fmt.Errorf("%s: timeout-minutes must not be negative", where))
			}
			if _, err := ParseCondition(step.If); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
			if step.ID != "" {
				if prev, dup := seen[step.ID]; dup {
					errs = append(errs, fmt.Errorf("%s: id '%s' already used by step %d", where, step.ID, prev))
				}
				seen[step.ID] = i + 1
			}
		}
	}

	if _, err := w.JobOrder(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// JobOrder returns job IDs in dependency order, breaking ties by ID
func (w *Workflow) JobOrder() ([]string, error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	ids := w.jobIDs()
	for _, id := range ids {
		if err := g.AddVertex(id); err != nil {
			return nil, fmt.Errorf("add job '%s': %w", id, err)
		}
	}

	for _, id := range ids {
		for _, need := range w.Jobs[id].Needs {
			err := g.AddEdge(need, id)
			switch {
			case err == nil, errors.Is(err, graph.ErrEdgeAlreadyExists):
			case errors.Is(err, graph.ErrVertexNotFound):
				// reported by Validate
			case errors.Is(err, graph.ErrEdgeCreatesCycle):
				return nil, fmt.Errorf("job '%s' needs '%s', which creates a dependency cycle", id, need)
			default:
				return nil, fmt.Errorf("job '%s' needs '%s': %w", id, need, err)
			}
		}
	}

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, fmt.Errorf("failed to order jobs: %w", err)
	}
	return order, nil
}

func (w *Workflow) jobIDs() []string {
	ids := make([]string, 0, len(w.Jobs))
	for id := range w.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
