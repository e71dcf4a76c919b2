// Package provisioner drives the infrastructure-as-code engine that creates
// and destroys the fleet.
package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"biopoem/pkg/errs"
	"biopoem/pkg/render"
)

// Action is an infrastructure engine operation.
type Action string

const (
	ActionInit    Action = "init"
	ActionApply   Action = "apply"
	ActionDestroy Action = "destroy"
	ActionOutput  Action = "output"
)

// Status classifies a Result.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

const (
	// ConfigFile is the rendered template inside the working directory.
	ConfigFile = "main.tf"
	// DefaultOutput names the output holding the instances' public addresses.
	DefaultOutput = "public_ips"
	defaultBinary = "terraform"
)

// Result is the outcome of one engine invocation.
type Result struct {
	Action   Action
	Args     []string
	Dir      string
	Stdout   string
	Stderr   string
	ExitCode int
	Status   Status
	Duration time.Duration
	Skipped  bool
	startErr error
}

// Err returns a ProvisionError for failed results and nil otherwise.
func (r Result) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	cause := r.startErr
	if cause == nil && r.Stderr != "" {
		cause = errors.New(strings.TrimSpace(lastLine(r.Stderr)))
	}
	return &errs.ProvisionError{Action: string(r.Action), Command: r.Args, Code: r.ExitCode, Err: cause}
}

// Provisioner runs the engine in a single working directory.
type Provisioner struct {
	Binary      string
	Dir         string
	Credentials Credentials
	OutputName  string
	Runner      Runner
	Logger      zerolog.Logger
}

// New returns a Provisioner rooted at dir using the default terraform
// binary and an ExecRunner.
func New(dir string, creds Credentials, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		Binary:      defaultBinary,
		Dir:         dir,
		Credentials: creds,
		OutputName:  DefaultOutput,
		Runner:      ExecRunner{},
		Logger:      logger.With().Str("component", "provisioner").Logger(),
	}
}

// WriteConfig renders cfg into Dir/main.tf. An empty templatePath selects the
// embedded template.
func (p *Provisioner) WriteConfig(cfg Config, templatePath string) (string, error) {
	var (
		engine *render.Engine
		name   = render.InfraTemplate
		err    error
	)
	if templatePath == "" {
		engine, err = render.New()
	} else {
		var text []byte
		text, err = os.ReadFile(templatePath)
		if err != nil {
			return "", &errs.ConfigError{Field: "template", Err: err}
		}
		name = filepath.Base(templatePath)
		engine, err = render.Parse(name, string(text))
	}
	if err != nil {
		return "", &errs.RenderError{Template: name, Err: err}
	}

	out, err := engine.Render(name, cfg)
	if err != nil {
		return "", &errs.RenderError{Template: name, Err: err}
	}

	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create terraform dir: %w", err)
	}
	path := filepath.Join(p.Dir, ConfigFile)
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	p.Logger.Info().Str("path", path).Int("hosts", cfg.HostCount).Msg("rendered infrastructure config")
	return path, nil
}

func (p *Provisioner) args(action Action) []string {
	switch action {
	case ActionInit:
		return []string{"init", "-input=false", "-no-color"}
	case ActionApply:
		return []string{"apply", "-input=false", "-auto-approve", "-no-color"}
	case ActionDestroy:
		return []string{"destroy", "-input=false", "-auto-approve", "-no-color"}
	case ActionOutput:
		name := p.OutputName
		if name == "" {
			name = DefaultOutput
		}
		return []string{"output", "-json", "-no-color", name}
	default:
		return nil
	}
}

// Run invokes action and logs its output. Inspect Result.Err for failure.
func (p *Provisioner) Run(ctx context.Context, action Action) Result {
	args := p.args(action)
	res := Result{Action: action, Args: args, Dir: p.Dir, Status: StatusFailed}
	if args == nil {
		res.ExitCode = -1
		res.startErr = fmt.Errorf("unknown action %q", action)
		return res
	}

	binary := p.Binary
	if binary == "" {
		binary = defaultBinary
	}
	runner := p.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	log := p.Logger.With().Str("action", string(action)).Logger()
	log.Info().Strs("args", args).Str("dir", p.Dir).Msg("running " + binary)

	start := time.Now()
	stdout, stderr, code, err := runner.Run(ctx, Command{
		Name: binary,
		Args: args,
		Dir:  p.Dir,
		Env:  p.Credentials.Environ(),
	})
	res.Duration = time.Since(start)
	res.Stdout = string(stdout)
	res.Stderr = string(stderr)
	res.ExitCode = code
	res.startErr = err
	if err == nil && code == 0 {
		res.Status = StatusSuccess
	}

	if res.Stdout != "" {
		log.Info().Msg(strings.TrimRight(res.Stdout, "\n"))
	}
	if res.Stderr != "" {
		log.Warn().Msg(strings.TrimRight(res.Stderr, "\n"))
	}
	event := log.Info()
	if res.Status != StatusSuccess {
		event = log.Error().AnErr("error", err)
	}
	event.Int("exit_code", code).Dur("duration", res.Duration).Str("status", string(res.Status)).Msg(binary + " finished")
	return res
}

// Init prepares the working directory.
func (p *Provisioner) Init(ctx context.Context) error {
	return p.Run(ctx, ActionInit).Err()
}

// Apply creates or updates the fleet.
func (p *Provisioner) Apply(ctx context.Context) error {
	return p.Run(ctx, ActionApply).Err()
}

// Destroy tears the fleet down. A working directory that was never
// initialised and holds no state is a no-op.
func (p *Provisioner) Destroy(ctx context.Context) (Result, error) {
	if !p.hasState() {
		p.Logger.Warn().Str("dir", p.Dir).Msg("no infrastructure state found, nothing to destroy")
		return Result{Action: ActionDestroy, Dir: p.Dir, Status: StatusSuccess, Skipped: true}, nil
	}
	res := p.Run(ctx, ActionDestroy)
	return res, res.Err()
}

func (p *Provisioner) hasState() bool {
	for _, name := range []string{"terraform.tfstate", ".terraform"} {
		if _, err := os.Stat(filepath.Join(p.Dir, name)); err == nil {
			return true
		}
	}
	return false
}

// PublicIPs reads the public addresses output after apply.
func (p *Provisioner) PublicIPs(ctx context.Context) ([]string, error) {
	res := p.Run(ctx, ActionOutput)
	if err := res.Err(); err != nil {
		return nil, err
	}
	ips, err := ParsePublicIPs([]byte(res.Stdout), p.OutputName)
	if err != nil {
		return nil, &errs.ProvisionError{Action: string(ActionOutput), Command: res.Args, Err: err}
	}
	return ips, nil
}

// ParsePublicIPs accepts either the value of a single output (a JSON array
// of strings) or the whole output map with name as the key.
func ParsePublicIPs(data []byte, name string) ([]string, error) {
	if name == "" {
		name = DefaultOutput
	}
	var ips []string
	if err := json.Unmarshal(data, &ips); err != nil {
		var outputs map[string]struct {
			Value []string `json:"value"`
		}
		if mapErr := json.Unmarshal(data, &outputs); mapErr != nil {
			return nil, fmt.Errorf("decode output: %w", err)
		}
		out, ok := outputs[name]
		if !ok {
			return nil, fmt.Errorf("output %q not found", name)
		}
		ips = out.Value
	}

	for i, ip := range ips {
		if net.ParseIP(ip) == nil {
			return nil, fmt.Errorf("output %q entry %d is not an IP address: %q", name, i, ip)
		}
	}
	return ips, nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
