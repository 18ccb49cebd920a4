package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/kilupskalvis/wfr/internal/models"
)

var (
	// ErrRunNotFound is returned when no run matches an ID or prefix
	ErrRunNotFound = errors.New("run not found")
	// ErrAmbiguousID is returned when an ID prefix matches several runs
	ErrAmbiguousID = errors.New("ambiguous run ID")
)

// SaveRun stores a run with its jobs and steps, replacing any previous copy
func (s *Store) SaveRun(run *models.Run) error {
	if run == nil || run.ID == "" {
		return errors.New("run must have an ID")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, workflow, workflow_path, event_name, branch, base_branch, sha, actor, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow = excluded.workflow,
			workflow_path = excluded.workflow_path,
			event_name = excluded.event_name,
			branch = excluded.branch,
			base_branch = excluded.base_branch,
			sha = excluded.sha,
			actor = excluded.actor,
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		run.ID, run.Workflow, run.WorkflowPath, run.Event.Name, run.Event.Branch, run.Event.BaseBranch,
		run.Event.SHA, run.Event.Actor, string(run.Status), formatTimestamp(run.StartedAt), formatTimestamp(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM step_results WHERE run_id = ?", run.ID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM job_results WHERE run_id = ?", run.ID); err != nil {
		return err
	}

	for seq, job := range run.Jobs {
		_, err := tx.Exec(`
			INSERT INTO job_results (run_id, seq, job_id, name, status, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, seq, job.JobID, job.Name, string(job.Status), formatTimestamp(job.StartedAt), formatTimestamp(job.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save job %s: %w", job.JobID, err)
		}

		for _, step := range job.Steps {
			_, err := tx.Exec(`
				INSERT INTO step_results (run_id, job_seq, idx, step_id, name, status, outcome, exit_code, background,
					started_at, finished_at, log_path, log_hash, error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				run.ID, seq, step.Index, step.ID, step.Name, string(step.Status), string(step.Outcome), step.ExitCode,
				step.Background, formatTimestamp(step.StartedAt), formatTimestamp(step.FinishedAt),
				step.LogPath, step.LogHash, step.Error,
			)
			if err != nil {
				return fmt.Errorf("failed to save step %d of job %s: %w", step.Index, job.JobID, err)
			}
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run by full ID or unique prefix
func (s *Store) GetRun(id string) (*models.Run, error) {
	if id == "" {
		return nil, ErrRunNotFound
	}

	rows, err := s.db.Query(runColumns+" WHERE id = ? OR id LIKE ? ORDER BY id LIMIT 3", id, stripWildcards(id)+"%")
	if err != nil {
		return nil, err
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}

	var run *models.Run
	switch {
	case len(runs) == 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	case len(runs) == 1:
		run = runs[0]
	default:
		for _, r := range runs {
			if r.ID == id {
				run = r
			}
		}
		if run == nil {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguousID, id)
		}
	}

	if err := s.loadJobs(run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally for one workflow.
// A limit of zero or less returns all runs.
func (s *Store) ListRuns(limit int, workflow string) ([]*models.Run, error) {
	query := runColumns
	var args []any
	if workflow != "" {
		query += " WHERE workflow = ? OR workflow_path = ?"
		args = append(args, workflow, workflow)
	}
	query += " ORDER BY started_at DESC, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}

	for _, run := range runs {
		if err := s.loadJobs(run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// DeleteRun removes a run and its results
func (s *Store) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if _, err := tx.Exec("DELETE FROM step_results WHERE run_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM job_results WHERE run_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// PruneRuns deletes all but the newest keep runs and returns the log paths
// their steps referenced so the caller can remove the files.
func (s *Store) PruneRuns(keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}

	rows, err := s.db.Query("SELECT id FROM runs ORDER BY started_at DESC, id LIMIT -1 OFFSET ?", keep)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var paths []string
	for _, id := range ids {
		logRows, err := s.db.Query("SELECT log_path FROM step_results WHERE run_id = ? AND log_path != ''", id)
		if err != nil {
			return nil, err
		}
		for logRows.Next() {
			var p string
			if err := logRows.Scan(&p); err != nil {
				logRows.Close()
				return nil, err
			}
			paths = append(paths, p)
		}
		logRows.Close()

		if err := s.DeleteRun(id); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// CountRuns returns the number of stored runs
func (s *Store) CountRuns() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&n)
	return n, err
}

const runColumns = `
	SELECT id, workflow, workflow_path, event_name, branch, base_branch, sha, actor, status, started_at, finished_at
	FROM runs`

func scanRuns(rows *sql.Rows) ([]*models.Run, error) {
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		var run models.Run
		var path, branch, base, sha, actor, finished sql.NullString
		var started, status string

		err := rows.Scan(&run.ID, &run.Workflow, &path, &run.Event.Name, &branch, &base, &sha, &actor,
			&status, &started, &finished)
		if err != nil {
			return nil, err
		}

		run.WorkflowPath = path.String
		run.Event.Branch = branch.String
		run.Event.BaseBranch = base.String
		run.Event.SHA = sha.String
		run.Event.Actor = actor.String
		run.Status = models.Status(status)
		run.StartedAt = parseTimestamp(started)
		run.FinishedAt = nullTime(finished)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (s *Store) loadJobs(run *models.Run) error {
	rows, err := s.db.Query(`
		SELECT seq, job_id, name, status, started_at, finished_at
		FROM job_results WHERE run_id = ? ORDER BY seq`, run.ID)
	if err != nil {
		return err
	}

	var seqs []int
	run.Jobs = nil
	for rows.Next() {
		var job models.JobResult
		var seq int
		var status string
		var started, finished sql.NullString
		if err := rows.Scan(&seq, &job.JobID, &job.Name, &status, &started, &finished); err != nil {
			rows.Close()
			return err
		}
		job.Status = models.Status(status)
		job.StartedAt = nullTime(started)
		job.FinishedAt = nullTime(finished)
		run.Jobs = append(run.Jobs, &job)
		seqs = append(seqs, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for i, job := range run.Jobs {
		steps, err := s.loadSteps(run.ID, seqs[i])
		if err != nil {
			return err
		}
		job.Steps = steps
	}
	return nil
}

func (s *Store) loadSteps(runID string, jobSeq int) ([]*models.StepResult, error) {
	rows, err := s.db.Query(`
		SELECT idx, step_id, name, status, outcome, exit_code, background, started_at, finished_at, log_path, log_hash, error
		FROM step_results WHERE run_id = ? AND job_seq = ? ORDER BY idx`, runID, jobSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.StepResult
	for rows.Next() {
		var step models.StepResult
		var stepID, outcome, started, finished, logPath, logHash, errText sql.NullString
		var status string
		var background sql.NullBool
		err := rows.Scan(&step.Index, &stepID, &step.Name, &status, &outcome, &step.ExitCode, &background,
			&started, &finished, &logPath, &logHash, &errText)
		if err != nil {
			return nil, err
		}
		step.ID = stepID.String
		step.Status = models.Status(status)
		step.Outcome = models.Status(outcome.String)
		step.Background = background.Bool
		step.StartedAt = nullTime(started)
		step.FinishedAt = nullTime(finished)
		step.LogPath = logPath.String
		step.LogHash = logHash.String
		step.Error = errText.String
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// stripWildcards drops LIKE wildcards from a user-supplied prefix.
// Run IDs are UUIDs and never contain them.
func stripWildcards(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_':
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
