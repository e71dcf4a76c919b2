// Package materializer renders the shared task template once per host.
package materializer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"biopoem/pkg/agentapi"
	"biopoem/pkg/errs"
	"biopoem/pkg/render"
)

var errEmptyTask = errors.New("rendered task is empty")

// Variables maps a hostname to the context its task is rendered with.
type Variables map[string]any

// Lookup returns the context for hostname and whether one exists.
func (v Variables) Lookup(hostname string) (any, bool) {
	ctx, ok := v[hostname]
	return ctx, ok
}

// LoadVariables reads a JSON object, or YAML for .yaml/.yml files, keyed by
// hostname.
func LoadVariables(path string) (Variables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Field: "variable-file", Err: err}
	}

	var vars Variables
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &vars)
	default:
		err = json.Unmarshal(data, &vars)
	}
	if err != nil {
		return nil, &errs.ConfigError{Field: "variable-file", Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	if vars == nil {
		return nil, errs.Configf("variable-file", "%s does not hold an object keyed by hostname", path)
	}
	return vars, nil
}

// Template is a parsed task template.
type Template struct {
	name   string
	engine *render.Engine
}

// ParseTemplate parses text as the task template called name.
func ParseTemplate(name, text string) (*Template, error) {
	engine, err := render.Parse(name, text)
	if err != nil {
		return nil, &errs.RenderError{Template: name, Err: err}
	}
	return &Template{name: name, engine: engine}, nil
}

// LoadTemplate reads and parses the task template at path.
func LoadTemplate(path string) (*Template, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Field: "dag-template", Err: err}
	}
	return ParseTemplate(filepath.Base(path), string(text))
}

// Result is the rendered task for one host.
type Result struct {
	Hostname string
	Content  string
	Path     string
	Skipped  bool
}

// Render narrows vars to hostname and executes the template. A host without
// a context is skipped rather than failed; an empty rendering is a
// RenderError.
func (t *Template) Render(vars Variables, hostname string) (Result, error) {
	ctx, ok := vars.Lookup(hostname)
	if !ok {
		return Result{Hostname: hostname, Skipped: true}, nil
	}
	out, err := t.engine.Render(t.name, ctx)
	if err != nil {
		return Result{Hostname: hostname}, &errs.RenderError{Template: t.name, Host: hostname, Err: err}
	}
	if strings.TrimSpace(out) == "" {
		return Result{Hostname: hostname}, &errs.RenderError{Template: t.name, Host: hostname, Err: errEmptyTask}
	}
	return Result{Hostname: hostname, Content: out}, nil
}

// Materialize renders the task for hostname and writes it to
// dir/<hostname>/dag.factfile.
func (t *Template) Materialize(dir string, vars Variables, hostname string) (Result, error) {
	res, err := t.Render(vars, hostname)
	if err != nil || res.Skipped {
		return res, err
	}

	hostDir := filepath.Join(dir, hostname)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return res, fmt.Errorf("create %s: %w", hostDir, err)
	}
	res.Path = filepath.Join(hostDir, agentapi.TaskFile)
	if err := os.WriteFile(res.Path, []byte(res.Content), 0o644); err != nil {
		return res, fmt.Errorf("write %s: %w", res.Path, err)
	}
	return res, nil
}
