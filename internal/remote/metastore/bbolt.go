package metastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kilupskalvis/wfr/internal/models"
)

var (
	bucketRuns     = []byte("runs")
	bucketRunIndex = []byte("run_index")
)

// indexLayout sorts lexically in time order.
const indexLayout = "20060102T150405.000000000Z"

// BboltStore implements MetaStore using bbolt.
//
// runs maps run ID to the run JSON. run_index maps "<start time>/<id>" to
// the run ID so listings can walk newest first with a reverse cursor.
type BboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens or creates a bbolt database at the given path.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create meta directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open meta database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRuns, bucketRunIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db}, nil
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func indexKey(run *models.Run) []byte {
	return []byte(run.StartedAt.UTC().Format(indexLayout) + "/" + run.ID)
}

// PutRun stores a run and its index entry in one transaction.
func (s *BboltStore) PutRun(_ context.Context, run *models.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		index := tx.Bucket(bucketRunIndex)

		if old := runs.Get([]byte(run.ID)); old != nil {
			var prev models.Run
			if err := json.Unmarshal(old, &prev); err != nil {
				return fmt.Errorf("unmarshal run: %w", err)
			}
			if err := index.Delete(indexKey(&prev)); err != nil {
				return fmt.Errorf("drop index entry: %w", err)
			}
		}

		if err := runs.Put([]byte(run.ID), data); err != nil {
			return fmt.Errorf("store run: %w", err)
		}
		if err := index.Put(indexKey(run), []byte(run.ID)); err != nil {
			return fmt.Errorf("index run: %w", err)
		}
		return nil
	})
}

// GetRun retrieves a run by ID or unique prefix. Returns ErrNotFound if missing.
func (s *BboltStore) GetRun(_ context.Context, id string) (*models.Run, error) {
	if id == "" {
		return nil, ErrNotFound
	}

	var run *models.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(id))
		if data == nil {
			prefix := []byte(id)
			c := b.Cursor()
			k, v := c.Seek(prefix)
			if k == nil || !bytes.HasPrefix(k, prefix) {
				return ErrNotFound
			}
			if next, _ := c.Next(); next != nil && bytes.HasPrefix(next, prefix) {
				return fmt.Errorf("%w: %s", ErrAmbiguous, id)
			}
			data = v
		}
		run = &models.Run{}
		return json.Unmarshal(data, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns walks the index newest first, optionally keeping one workflow.
func (s *BboltStore) ListRuns(_ context.Context, limit int, workflow string) ([]*models.Run, error) {
	var runs []*models.Run

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		c := tx.Bucket(bucketRunIndex).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			data := b.Get(id)
			if data == nil {
				continue
			}
			var run models.Run
			if err := json.Unmarshal(data, &run); err != nil {
				return fmt.Errorf("unmarshal run: %w", err)
			}
			if workflow != "" && run.Workflow != workflow && run.WorkflowPath != workflow {
				continue
			}
			runs = append(runs, &run)
			if limit > 0 && len(runs) >= limit {
				break
			}
		}
		return nil
	})

	return runs, err
}

// DeleteRun removes a run and its index entry. Returns ErrNotFound if missing.
func (s *BboltStore) DeleteRun(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		data := runs.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var run models.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("unmarshal run: %w", err)
		}
		if err := tx.Bucket(bucketRunIndex).Delete(indexKey(&run)); err != nil {
			return err
		}
		return runs.Delete([]byte(id))
	})
}

// RunCount returns the number of stored runs.
func (s *BboltStore) RunCount(_ context.Context) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketRuns).Stats().KeyN
		return nil
	})
	return count, err
}

// AllLogHashes scans every run and returns each step log hash it references.
func (s *BboltStore) AllLogHashes(_ context.Context) (map[string]bool, error) {
	hashes := make(map[string]bool)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var run models.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("unmarshal run: %w", err)
			}
			for _, h := range run.LogHashes() {
				hashes[h] = true
			}
			return nil
		})
	})

	return hashes, err
}
