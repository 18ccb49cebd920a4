package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/kilupskalvis/wfr/internal/remote"
	"github.com/kilupskalvis/wfr/internal/remote/server"
	"github.com/spf13/cobra"
)

var (
	serverListen        string
	serverDataDir       string
	serverTLSCert       string
	serverTLSKey        string
	serverWebhookURLs   string
	serverWebhookSecret string

	serverAdminURL        string
	serverAdminToken      string
	serverTokenDesc       string
	serverTokenProjects   []string
	serverTokenPermission string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the wfr report server",
	Long:  "Commands for running and administering the wfr report server.",
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the wfr report server",
	Long: `Start the wfr report server.

The server keeps run records in one bbolt database per project and step
logs on the local filesystem. Bearer token authentication is required for
all project endpoints.

The admin token is read from the WFR_ADMIN_TOKEN environment variable and
enables the /admin/ endpoints for token management and garbage collection.

Examples:
  wfr server start
  wfr server start --listen 0.0.0.0:8730 --data-dir /var/lib/wfr
  wfr server start --tls-cert server.crt --tls-key server.key`,
	Args: cobra.NoArgs,
	Run:  runServerStart,
}

func init() {
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverTokensCmd)
	serverCmd.AddCommand(serverGCCmd)

	f := serverStartCmd.Flags()
	f.StringVar(&serverListen, "listen", envOrDefault("WFR_LISTEN", "127.0.0.1:8730"), "Listen address (host:port)")
	f.StringVar(&serverDataDir, "data-dir", envOrDefault("WFR_DATA_DIR", defaultDataDir()), "Directory for project data")
	f.StringVar(&serverTLSCert, "tls-cert", os.Getenv("WFR_TLS_CERT"), "TLS certificate file")
	f.StringVar(&serverTLSKey, "tls-key", os.Getenv("WFR_TLS_KEY"), "TLS key file")
	f.StringVar(&serverWebhookURLs, "webhook-urls", os.Getenv("WFR_WEBHOOK_URLS"), "Comma-separated webhook URLs to notify when a run is uploaded")
	f.StringVar(&serverWebhookSecret, "webhook-secret", os.Getenv("WFR_WEBHOOK_SECRET"), "HMAC secret for signing webhook payloads")

	// Both parents bind the same vars; only one command path runs.
	for _, cmd := range []*cobra.Command{serverTokensCmd, serverGCCmd} {
		cmd.PersistentFlags().StringVar(&serverAdminURL, "url",
			envOrDefault("WFR_SERVER_URL", ""),
			"Server base URL (env: WFR_SERVER_URL)")
		cmd.PersistentFlags().StringVar(&serverAdminToken, "admin-token",
			os.Getenv("WFR_ADMIN_TOKEN"),
			"Admin token (env: WFR_ADMIN_TOKEN)")
	}

	serverTokensCmd.AddCommand(serverTokensCreateCmd, serverTokensListCmd, serverTokensDeleteCmd)

	tf := serverTokensCreateCmd.Flags()
	tf.StringVar(&serverTokenDesc, "desc", "", "Token description")
	tf.StringArrayVar(&serverTokenProjects, "project", nil,
		"Projects to grant access to, repeat for multiple (default: *)")
	tf.StringVar(&serverTokenPermission, "permission", server.PermissionReadWrite, "Permission level: ro or rw")
}

func runServerStart(_ *cobra.Command, _ []string) {
	// The server logs JSON at info unless told otherwise.
	format := logFormat
	if format == "" {
		format = "json"
	}
	opts := &slog.HandlerOptions{Level: parseLevel(logLevel, slog.LevelInfo)}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := os.MkdirAll(serverDataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "error", err, "path", serverDataDir)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := server.Serve(ctx, server.Options{
		Listen:        serverListen,
		DataDir:       serverDataDir,
		AdminToken:    os.Getenv("WFR_ADMIN_TOKEN"),
		TLSCert:       serverTLSCert,
		TLSKey:        serverTLSKey,
		WebhookURLs:   server.SplitURLs(serverWebhookURLs),
		WebhookSecret: serverWebhookSecret,
	}, logger, nil)
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/wfr-server"
	}
	return filepath.Join(home, ".wfr-server")
}

// --- wfr server tokens ---

var serverTokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage server tokens",
	Long:  "Commands for managing authentication tokens on a running wfr server.",
}

var serverTokensCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new authentication token",
	Args:  cobra.NoArgs,
	Run:   runServerTokensCreate,
}

var serverTokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all authentication tokens",
	Args:  cobra.NoArgs,
	Run:   runServerTokensList,
}

var serverTokensDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an authentication token",
	Args:  cobra.ExactArgs(1),
	Run:   runServerTokensDelete,
}

// --- wfr server gc ---

var serverGCCmd = &cobra.Command{
	Use:   "gc <project>",
	Short: "Delete step logs no stored run references",
	Args:  cobra.ExactArgs(1),
	Run:   runServerGC,
}

// resolveAdminClient builds an AdminClient from the package-level admin flag vars.
func resolveAdminClient() *remote.AdminClient {
	if serverAdminURL == "" {
		exitError("--url or WFR_SERVER_URL is required")
	}
	if serverAdminToken == "" {
		exitError("--admin-token or WFR_ADMIN_TOKEN is required")
	}
	return remote.NewAdminClient(serverAdminURL, serverAdminToken, os.Stderr)
}

func runServerTokensCreate(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()
	ctx := context.Background()

	projects := serverTokenProjects
	if len(projects) == 0 {
		projects = []string{"*"}
	}

	resp, err := c.CreateToken(ctx, serverTokenDesc, projects, serverTokenPermission)
	if err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Println("Token created.")
	fmt.Printf("  ID:          %s\n", resp.ID)
	fmt.Printf("  Description: %s\n", resp.Description)
	fmt.Printf("  Projects:    %s\n", strings.Join(resp.Projects, ", "))
	fmt.Printf("  Permission:  %s\n", resp.Permission)
	fmt.Println()
	green.Printf("Token: %s\n", resp.Token)
	yellow.Println("Save this token, it will not be shown again.")
}

func runServerTokensList(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()
	ctx := context.Background()

	tokens, err := c.ListTokens(ctx)
	if err != nil {
		exitError("%v", err)
	}

	if len(tokens) == 0 {
		fmt.Println("No tokens")
		return
	}

	fmt.Printf("  %-12s  %-20s  %-16s  %s\n", "ID", "Description", "Projects", "Permission")
	for _, t := range tokens {
		fmt.Printf("  %-12s  %-20s  %-16s  %s\n",
			t.ID,
			t.Description,
			strings.Join(t.Projects, ","),
			t.Permission,
		)
	}
}

func runServerTokensDelete(_ *cobra.Command, args []string) {
	c := resolveAdminClient()
	ctx := context.Background()

	if err := c.DeleteToken(ctx, args[0]); err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Deleted token '%s'\n", args[0])
}

func runServerGC(_ *cobra.Command, args []string) {
	c := resolveAdminClient()
	ctx := context.Background()

	result, err := c.RunGC(ctx, args[0])
	if err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Scanned %d log(s), %d referenced by runs\n", result.LogsScanned, result.ReferencedLogs)
	color.New(color.FgGreen).Printf("Deleted %d unreferenced log(s)\n", result.LogsDeleted)
}
