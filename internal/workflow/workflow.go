// Package workflow loads and validates GitHub-Actions-style workflow files.
// It understands the subset of the format needed to replay a single-runner
// job locally: triggers with branch filters, jobs with needs, and steps that
// either run a shell script or invoke a built-in action.
package workflow

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Workflow is a parsed workflow file
type Workflow struct {
	Name string            `yaml:"name"`
	On   Triggers          `yaml:"on"`
	Env  map[string]string `yaml:"env,omitempty"`
	Jobs map[string]*Job   `yaml:"jobs"`

	Path string `yaml:"-"` // file the workflow was loaded from
}

// DisplayName returns the workflow name, falling back to its path
func (w *Workflow) DisplayName() string {
	if w.Name != "" {
		return w.Name
	}
	return w.Path
}

// Triggers holds the events a workflow reacts to.
// A nil filter means the event is not declared.
type Triggers struct {
	Push             *BranchFilter `yaml:"push,omitempty"`
	PullRequest      *BranchFilter `yaml:"pull_request,omitempty"`
	WorkflowDispatch *Dispatch     `yaml:"workflow_dispatch,omitempty"`
	Other            []string      `yaml:"-"` // declared events wfr does not run (schedule, release, ...)
}

// BranchFilter restricts push and pull_request triggers to branches
type BranchFilter struct {
	Branches       []string `yaml:"branches,omitempty"`
	BranchesIgnore []string `yaml:"branches-ignore,omitempty"`
}

// Dispatch is the workflow_dispatch trigger
type Dispatch struct {
	Inputs map[string]DispatchInput `yaml:"inputs,omitempty"`
}

// DispatchInput describes a manual dispatch input
type DispatchInput struct {
	Description string `yaml:"description,omitempty"`
	Default     string `yaml:"default,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
}

// Events returns the names of all declared events
func (t *Triggers) Events() []string {
	var events []string
	if t.Push != nil {
		events = append(events, "push")
	}
	if t.PullRequest != nil {
		events = append(events, "pull_request")
	}
	if t.WorkflowDispatch != nil {
		events = append(events, "workflow_dispatch")
	}
	return append(events, t.Other...)
}

// UnmarshalYAML accepts `on: push`, `on: [push, pull_request]` and the mapping form.
func (t *Triggers) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return t.declare(value.Value, nil)
	case yaml.SequenceNode:
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: event names in a list must be strings", item.Line)
			}
			if err := t.declare(item.Value, nil); err != nil {
				return err
			}
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			if err := t.declare(value.Content[i].Value, value.Content[i+1]); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("line %d: unsupported 'on' value", value.Line)
}

func (t *Triggers) declare(event string, body *yaml.Node) error {
	empty := body == nil || body.Kind == yaml.ScalarNode && (body.ShortTag() == "!!null" || body.Value == "")

	switch event {
	case "push", "pull_request":
		f := &BranchFilter{}
		if !empty {
			if err := body.Decode(f); err != nil {
				return fmt.Errorf("%s: %w", event, err)
			}
		}
		if event == "push" {
			t.Push = f
		} else {
			t.PullRequest = f
		}
	case "workflow_dispatch":
		d := &Dispatch{}
		if !empty {
			if err := body.Decode(d); err != nil {
				return fmt.Errorf("%s: %w", event, err)
			}
		}
		t.WorkflowDispatch = d
	case "":
		return fmt.Errorf("empty event name")
	default:
		t.Other = append(t.Other, event)
	}
	return nil
}

// StringList decodes either a single string or a list of strings
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Value == "" {
			*l = nil
			return nil
		}
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
}

// Job is a named sequence of steps executed on one runner
type Job struct {
	ID              string            `yaml:"-"`
	Name            string            `yaml:"name,omitempty"`
	RunsOn          StringList        `yaml:"runs-on,omitempty"`
	Needs           StringList        `yaml:"needs,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	TimeoutMinutes  int               `yaml:"timeout-minutes,omitempty"`
	ContinueOnError bool              `yaml:"continue-on-error,omitempty"`
	Steps           []*Step           `yaml:"steps"`
}

// DisplayName returns the job name, falling back to its ID
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// Step is a single unit of work inside a job
type Step struct {
	ID               string            `yaml:"id,omitempty"`
	Name             string            `yaml:"name,omitempty"`
	Uses             string            `yaml:"uses,omitempty"`
	With             map[string]string `yaml:"with,omitempty"`
	Run              string            `yaml:"run,omitempty"`
	Shell            string            `yaml:"shell,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	WorkingDirectory string            `yaml:"working-directory,omitempty"`
	If               string            `yaml:"if,omitempty"`
	ContinueOnError  bool              `yaml:"continue-on-error,omitempty"`
	TimeoutMinutes   int               `yaml:"timeout-minutes,omitempty"`
	Background       bool              `yaml:"background,omitempty"`
}

// DisplayName mirrors how hosted runners label unnamed steps
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Run != "" {
		line := strings.TrimSpace(s.Run)
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		return "Run " + line
	}
	return "Run " + s.Uses
}

// IsBackground reports whether the step's process should be left running
// while the job continues. A script whose last line ends in a lone `&` counts.
func (s *Step) IsBackground() bool {
	if s.Background {
		return true
	}
	_, trailing := splitTrailingAmpersand(s.Run)
	return trailing
}

// Script returns the run script with any trailing background `&` removed
func (s *Step) Script() string {
	script, _ := splitTrailingAmpersand(s.Run)
	return script
}

// ActionName returns the `uses` reference without its version suffix
func (s *Step) ActionName() string {
	name, _, _ := strings.Cut(s.Uses, "@")
	return strings.TrimSpace(name)
}

func splitTrailingAmpersand(script string) (string, bool) {
	trimmed := strings.TrimRight(script, " \t\r\n")
	if !strings.HasSuffix(trimmed, "&") || strings.HasSuffix(trimmed, "&&") {
		return script, false
	}
	// `2>&1` style redirections are not a background marker
	before := strings.TrimRight(trimmed[:len(trimmed)-1], " \t")
	if strings.HasSuffix(before, ">") || strings.HasSuffix(before, "|") {
		return script, false
	}
	return before + "\n", true
}
