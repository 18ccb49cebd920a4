package store

import (
	"database/sql"
	"fmt"
)

const currentSchemaVersion = 3

// RunMigrations applies any pending database migrations
func (s *Store) RunMigrations() error {
	version, err := s.getSchemaVersion()
	if err != nil {
		return err
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migration to v2 failed: %w", err)
		}
	}

	if version < 3 {
		if err := s.migrateToV3(); err != nil {
			return fmt.Errorf("migration to v3 failed: %w", err)
		}
	}

	return nil
}

// getSchemaVersion returns the current schema version, 1 if not set
func (s *Store) getSchemaVersion() (int, error) {
	var tableName string
	err := s.db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='wfr_schema_version'
	`).Scan(&tableName)

	if err == sql.ErrNoRows {
		// Table doesn't exist, this is v1
		return 1, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 1) FROM wfr_schema_version").Scan(&version)
	if err != nil {
		return 1, nil
	}

	return version, nil
}

// migrateToV2 adds log hashes and pull request base branches
func (s *Store) migrateToV2() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS wfr_schema_version (
		version INTEGER PRIMARY KEY
	)`); err != nil {
		return err
	}

	columns := []struct{ table, column, ddl string }{
		{"step_results", "log_hash", `ALTER TABLE step_results ADD COLUMN log_hash TEXT`},
		{"step_results", "outcome", `ALTER TABLE step_results ADD COLUMN outcome TEXT`},
		{"runs", "base_branch", `ALTER TABLE runs ADD COLUMN base_branch TEXT`},
	}
	for _, c := range columns {
		if s.columnExists(c.table, c.column) {
			continue
		}
		if _, err := s.db.Exec(c.ddl); err != nil {
			return fmt.Errorf("add %s.%s: %w", c.table, c.column, err)
		}
	}

	// v1 had no continue-on-error, so outcome equals status
	if _, err := s.db.Exec(`UPDATE step_results SET outcome = status WHERE outcome IS NULL`); err != nil {
		return err
	}

	_, err := s.db.Exec("INSERT OR REPLACE INTO wfr_schema_version (version) VALUES (?)", 2)
	return err
}

// columnExists checks if a column exists in a table
func (s *Store) columnExists(table, column string) bool {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info(?)
		WHERE name = ?
	`, table, column).Scan(&count)
	return err == nil && count > 0
}

// migrateToV3 adds the indexes used by history listing and log GC
func (s *Store) migrateToV3() error {
	migrations := []string{
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_step_results_hash ON step_results(log_hash)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	_, err := s.db.Exec("INSERT OR REPLACE INTO wfr_schema_version (version) VALUES (?)", 3)
	return err
}
