package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/kilupskalvis/wfr/internal/workflow"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Check workflow files for errors",
	Long: `Parse and validate workflow files. Without arguments every file in the
workflows directory is checked. Exits non-zero if any file has problems.

Examples:
  wfr validate
  wfr validate .github/workflows/e2e.yml`,
	Run: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) {
	files := args
	if len(files) == 0 {
		c := initOptionalContext()
		dir := c.Config.WorkflowsPath()
		c.Close()

		var err error
		files, err = workflowFiles(dir)
		if err != nil {
			exitError("%v", err)
		}
		if len(files) == 0 {
			exitError("no workflow files in %s", dir)
		}
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	failed := 0
	for _, path := range files {
		if err := validateFile(path); err != nil {
			failed++
			red.Printf("✗ %s\n", path)
			for _, line := range flattenErrors(err) {
				fmt.Printf("    %s\n", line)
			}
			continue
		}
		green.Printf("✓ %s\n", path)
	}

	if failed > 0 {
		exitError("%d of %d workflow file(s) invalid", failed, len(files))
	}
}

func validateFile(path string) error {
	wf, err := workflow.Load(path)
	if err != nil {
		return err
	}
	return wf.Validate()
}

// workflowFiles returns the .yml and .yaml files in dir, sorted
func workflowFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.yml", "*.yaml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// flattenErrors expands errors.Join trees into one message per problem
func flattenErrors(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var lines []string
		for _, e := range joined.Unwrap() {
			lines = append(lines, flattenErrors(e)...)
		}
		return lines
	}
	return []string{err.Error()}
}
