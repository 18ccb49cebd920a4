package cli

import (
	"fmt"
	"os"

	"github.com/kilupskalvis/wfr/internal/config"
	"github.com/kilupskalvis/wfr/internal/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize wfr in the current directory",
	Long: `Initialize wfr in the current directory.
This creates a .wfr directory holding the configuration, the run history
database and step logs.`,
	Args: cobra.NoArgs,
	Run:  runInit,
}

var initWorkflowsDir string

func init() {
	initCmd.Flags().StringVar(&initWorkflowsDir, "workflows-dir", config.DefaultWorkflowsDir, "Directory containing workflow files")
}

func runInit(cmd *cobra.Command, args []string) {
	if root, err := config.FindRoot(); err == nil {
		exitError("wfr project already exists at %s", root)
	}

	cwd, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}

	cfg, err := config.Initialize(cwd, initWorkflowsDir)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		exitError("failed to create store: %v", err)
	}
	defer st.Close()

	if err := st.Initialize(); err != nil {
		exitError("failed to initialize store: %v", err)
	}

	fmt.Printf("Initialized wfr in %s/\n", config.WFRDir)
	fmt.Printf("Workflows: %s\n", cfg.WorkflowsDir)

	if _, err := os.Stat(cfg.WorkflowsPath()); err != nil {
		fmt.Printf("\nWarning: %s does not exist yet\n", cfg.WorkflowsDir)
	}
}
