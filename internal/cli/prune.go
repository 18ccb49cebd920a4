package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old runs and their logs",
	Long: `Delete all but the newest runs from the history, together with their
step logs. Defaults to the keep_runs setting from .wfr/config.`,
	Args: cobra.NoArgs,
	Run:  runPrune,
}

var pruneKeep int

func init() {
	pruneCmd.Flags().IntVar(&pruneKeep, "keep", -1, "Number of runs to keep (default: keep_runs from config)")
}

func runPrune(cmd *cobra.Command, args []string) {
	c := initContextWithMigrations()
	defer c.Close()

	keep := pruneKeep
	if keep < 0 {
		keep = c.Config.KeepRuns
	}
	if keep <= 0 && pruneKeep < 0 {
		exitError("keep_runs is not set; pass --keep")
	}

	removed := pruneHistory(c, keep)
	if removed == 0 {
		fmt.Println("Nothing to prune")
		return
	}
	color.New(color.FgGreen).Printf("Pruned %d run(s)\n", removed)
}

// pruneHistory keeps the newest keep runs and deletes the rest with their
// log directories. It returns the number of runs deleted.
func pruneHistory(c *cmdContext, keep int) int {
	before, err := c.Store.CountRuns()
	if err != nil {
		exitError("failed to count runs: %v", err)
	}

	paths, err := c.Store.PruneRuns(keep)
	if err != nil {
		exitError("failed to prune runs: %v", err)
	}
	removeLogs(c.Config.LogsPath(), paths)

	after, err := c.Store.CountRuns()
	if err != nil {
		exitError("failed to count runs: %v", err)
	}
	return before - after
}

// removeLogs deletes log files and the run directories holding them.
// Only directories directly under logsRoot are removed.
func removeLogs(logsRoot string, paths []string) {
	dirs := make(map[string]bool)
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove log", "path", p, "error", err)
		}
		dir := filepath.Dir(p)
		if filepath.Dir(dir) == filepath.Clean(logsRoot) {
			dirs[dir] = true
		}
	}
	for dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("failed to remove run directory", "path", dir, "error", err)
		}
	}
}
