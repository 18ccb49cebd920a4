package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a named workflow cannot be located
var ErrNotFound = errors.New("workflow not found")

// Parse decodes a workflow document
func Parse(data []byte) (*Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty workflow document")
	}

	var wf Workflow
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}

	for id, job := range wf.Jobs {
		if job == nil {
			return nil, fmt.Errorf("job '%s' is empty", id)
		}
		job.ID = id
	}

	return &wf, nil
}

// Load reads and parses a workflow file
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}

	wf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	wf.Path = path
	return wf, nil
}

// Discover loads every .yml/.yaml file in dir, sorted by file name
func Discover(dir string) ([]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflows directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yml" || ext == ".yaml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	workflows := make([]*Workflow, 0, len(names))
	for _, name := range names {
		wf, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// Find resolves a workflow by file path, file name, base name or workflow name
func Find(dir, ref string) (*Workflow, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return Load(ref)
	}

	workflows, err := Discover(dir)
	if err != nil {
		return nil, err
	}
	for _, wf := range workflows {
		base := filepath.Base(wf.Path)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		if ref == base || ref == stem || ref == wf.Name {
			return wf, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
}
