package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/kilupskalvis/wfr/internal/config"
	"github.com/kilupskalvis/wfr/internal/models"
	"github.com/kilupskalvis/wfr/internal/remote"
	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push <run-id>",
	Short: "Upload a run to the report server",
	Long: `Upload a recorded run and its step logs to a wfr report server.

Logs the server already has are not sent again. The server URL and project
come from the [server] section of .wfr/config, or from WFR_SERVER_URL and
WFR_PROJECT. The token is read from WFR_TOKEN.

Examples:
  wfr push 3f2a9c1e
  WFR_TOKEN=wfr_... wfr push 3f2a9c1e`,
	Args: cobra.ExactArgs(1),
	Run:  runPush,
}

func runPush(cmd *cobra.Command, args []string) {
	c := initContextWithMigrations()
	defer c.Close()

	run, err := c.Store.GetRun(args[0])
	if err != nil {
		exitError("%v", err)
	}

	client := newReportClient(c.Config)
	pushOne(context.Background(), client, run)
}

// serverTarget resolves the report server URL and project for a config
func serverTarget(cfg *config.Config) (url, project string) {
	url = envOrDefault("WFR_SERVER_URL", cfg.Server.URL)
	project = envOrDefault("WFR_PROJECT", cfg.Server.Project)
	if project == "" && cfg.Workspace() != "" {
		project = filepath.Base(cfg.Workspace())
	}
	return url, project
}

func newReportClient(cfg *config.Config) remote.ReportClient {
	url, project := serverTarget(cfg)
	if url == "" {
		exitError("no report server configured; set [server] url in .wfr/config or WFR_SERVER_URL")
	}
	token := config.Token()
	if token == "" {
		exitError("%s is required to talk to the report server", config.TokenEnv)
	}
	return remote.NewRetryClient(remote.NewHTTPClient(url, project, token), nil)
}

func pushOne(ctx context.Context, client remote.ReportClient, run *models.Run) {
	fmt.Printf("Pushing run %s...\n", run.ShortID())

	result, err := remote.PushRun(ctx, client, run)
	if err != nil {
		exitError("push %s: %v", run.ShortID(), err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Pushed run %s", run.ShortID())
	fmt.Printf(" (%d log(s) uploaded, %d already on server)\n", result.LogsUploaded, result.LogsSkipped)
}
