package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/kilupskalvis/wfr/internal/models"
)

// PushResult reports what a push transferred.
type PushResult struct {
	LogsUploaded int
	LogsSkipped  int
}

// PushRun uploads the step logs the server is missing, then the run itself.
// The run is sent last so the server never holds a run whose logs are absent.
func PushRun(ctx context.Context, client ReportClient, run *models.Run) (*PushResult, error) {
	result := &PushResult{}

	paths := logPaths(run)
	hashes := run.LogHashes()
	if len(hashes) > 0 {
		check, err := client.CheckLogs(ctx, hashes)
		if err != nil {
			return nil, err
		}
		result.LogsSkipped = len(check.Have)

		for _, hash := range check.Missing {
			path, ok := paths[hash]
			if !ok {
				return nil, fmt.Errorf("log %s is not referenced by run %s", hash, run.ShortID())
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read log: %w", err)
			}
			if got := hashBytes(data); got != hash {
				return nil, fmt.Errorf("log %s changed since the run (hash %s)", path, got)
			}
			if err := client.UploadLog(ctx, hash, data); err != nil {
				return nil, err
			}
			result.LogsUploaded++
		}
	}

	if err := client.UploadRun(ctx, run); err != nil {
		return nil, err
	}
	return result, nil
}

func logPaths(run *models.Run) map[string]string {
	paths := make(map[string]string)
	for _, job := range run.Jobs {
		for _, step := range job.Steps {
			if step.LogHash != "" && step.LogPath != "" {
				paths[step.LogHash] = step.LogPath
			}
		}
	}
	return paths
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
