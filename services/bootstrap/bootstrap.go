// Package bootstrap pushes a rendered task to each host and starts the
// worker agent there.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"biopoem/pkg/agentapi"
	"biopoem/pkg/errs"
	"biopoem/services/registry"
)

// DefaultRemoteWorkdir is the working directory created on every host.
const DefaultRemoteWorkdir = "/mnt/biopoem"

// Step names, in execution order.
const (
	StepConnect = "connect"
	StepMkdir   = "mkdir"
	StepUpload  = "upload"
	StepSecret  = "secret"
	StepFetch   = "fetch"
	StepChmod   = "chmod"
	StepLaunch  = "launch"
	StepClose   = "close"
)

// Plan is what every host receives. BinaryURL is where hosts download the
// worker binary of this build; it has no default.
type Plan struct {
	RemoteWorkdir string
	BinaryURL     string
	AgentPort     int
	WebhookURL    string
	SecretKey     string
}

func (p Plan) withDefaults() Plan {
	if p.RemoteWorkdir == "" {
		p.RemoteWorkdir = DefaultRemoteWorkdir
	}
	if p.AgentPort == 0 {
		p.AgentPort = agentapi.DefaultPort
	}
	return p
}

// Validate checks the plan before any host is contacted.
func (p Plan) Validate() error {
	if p.SecretKey == "" {
		return errs.Configf("secret-key", "is required to launch agents")
	}
	if strings.TrimSpace(p.BinaryURL) == "" {
		return errs.Configf("worker-url", "is required (set BIOPOEM_WORKER_URL, or BIOPOEM_WORKER_KEY with an S3 bucket)")
	}
	if p.AgentPort < 0 || p.AgentPort > 65535 {
		return errs.Configf("agent-port", "out of range: %d", p.AgentPort)
	}
	if p.RemoteWorkdir != "" && !path.IsAbs(p.RemoteWorkdir) {
		return errs.Configf("remote-workdir", "must be absolute, got %q", p.RemoteWorkdir)
	}
	return nil
}

// MkdirCommand creates the remote working directory.
func (p Plan) MkdirCommand() string {
	p = p.withDefaults()
	return "mkdir -p " + shellQuote(p.RemoteWorkdir)
}

func (p Plan) binaryPath() string {
	return path.Join(p.withDefaults().RemoteWorkdir, agentapi.BinaryName)
}

// TaskPath is where the rendered task is uploaded.
func (p Plan) TaskPath() string {
	return path.Join(p.withDefaults().RemoteWorkdir, agentapi.TaskFile)
}

// SecretPath is where the shared secret is uploaded, readable by its owner only.
func (p Plan) SecretPath() string {
	return path.Join(p.withDefaults().RemoteWorkdir, agentapi.SecretFile)
}

// FetchCommand downloads the worker binary, falling back to curl when wget
// is not installed.
func (p Plan) FetchCommand() string {
	p = p.withDefaults()
	url, bin := shellQuote(p.BinaryURL), shellQuote(p.binaryPath())
	return fmt.Sprintf("wget -q %s -O %s || curl -fsSL %s -o %s", url, bin, url, bin)
}

// ChmodCommand marks the worker binary executable.
func (p Plan) ChmodCommand() string {
	return "chmod a+x " + shellQuote(p.binaryPath())
}

// LaunchCommand starts the agent detached from the session. The agent reads
// the secret from SecretPath, so neither the command nor the agent's
// arguments carry it.
func (p Plan) LaunchCommand() string {
	p = p.withDefaults()
	dir := shellQuote(p.RemoteWorkdir)
	args := []string{
		"agent",
		"--workdir", dir,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(p.AgentPort),
		"--secret-file", agentapi.SecretFile,
	}
	if p.WebhookURL != "" {
		args = append(args, "--webhook", shellQuote(p.WebhookURL))
	}
	args = append(args, "--task", agentapi.TaskFile)

	initLog := shellQuote(path.Join(p.RemoteWorkdir, agentapi.InitLog))
	return fmt.Sprintf("cd %s && nohup %s %s > %s 2>&1 < /dev/null &",
		dir, shellQuote(p.binaryPath()), strings.Join(args, " "), initLog)
}

// StepResult records one executed step.
type StepResult struct {
	Step     string        `json:"step"`
	Command  string        `json:"command,omitempty"`
	Output   string        `json:"output,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HostResult is the outcome of bootstrapping one host.
type HostResult struct {
	Hostname string       `json:"hostname"`
	Address  string       `json:"address"`
	Steps    []StepResult `json:"steps"`
	Launched bool         `json:"launched"`
	Skipped  bool         `json:"skipped,omitempty"`
	Err      error        `json:"-"`
	Error    string       `json:"error,omitempty"`
}

// Bootstrapper runs the step sequence against hosts.
type Bootstrapper struct {
	Dialer Dialer
	Plan   Plan
	Logger zerolog.Logger
}

// New returns a Bootstrapper for plan.
func New(dialer Dialer, plan Plan, logger zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{
		Dialer: dialer,
		Plan:   plan.withDefaults(),
		Logger: logger.With().Str("component", "bootstrap").Logger(),
	}
}

// Bootstrap connects to host, uploads the task at taskPath and the secret,
// installs the worker binary and launches the agent. mkdir, fetch and chmod
// failures are logged and the sequence continues; connect, upload, secret and
// launch failures end it with a RemoteError.
func (b *Bootstrapper) Bootstrap(ctx context.Context, host registry.Host, taskPath string) (res HostResult) {
	plan := b.Plan.withDefaults()
	log := b.Logger.With().Str("host", host.Hostname).Str("addr", host.Address()).Logger()
	res = HostResult{Hostname: host.Hostname, Address: host.Address()}

	fail := func(step, command string, err error) HostResult {
		res.Err = &errs.RemoteError{Host: host.Hostname, Step: step, Command: command, Err: err}
		res.Error = res.Err.Error()
		log.Error().Err(err).Str("step", step).Msg("bootstrap failed")
		return res
	}
	record := func(step, command string, out []byte, err error, start time.Time) {
		sr := StepResult{Step: step, Command: command, Output: strings.TrimSpace(string(out)), Duration: time.Since(start)}
		if err != nil {
			sr.Err = err.Error()
		}
		res.Steps = append(res.Steps, sr)
	}

	start := time.Now()
	sess, err := b.Dialer.Dial(ctx, host)
	record(StepConnect, "", nil, err, start)
	if err != nil {
		return fail(StepConnect, "", err)
	}
	log.Info().Msg("connected")
	defer func() {
		start := time.Now()
		err := sess.Close()
		record(StepClose, "", nil, err, start)
		if err != nil {
			log.Warn().Err(err).Msg("close session")
		}
	}()

	run := func(step, command string) error {
		start := time.Now()
		out, err := sess.Run(ctx, command)
		record(step, command, out, err, start)
		if err != nil {
			log.Warn().Err(err).Str("step", step).Str("output", strings.TrimSpace(string(out))).Msg("remote command failed")
		}
		return err
	}

	_ = run(StepMkdir, plan.MkdirCommand())

	start = time.Now()
	err = upload(ctx, sess, taskPath, plan.TaskPath())
	record(StepUpload, plan.TaskPath(), nil, err, start)
	if err != nil {
		return fail(StepUpload, plan.TaskPath(), err)
	}
	log.Info().Str("remote", plan.TaskPath()).Msg("uploaded task")

	start = time.Now()
	err = sess.Upload(ctx, plan.SecretPath(), strings.NewReader(plan.SecretKey), 0o600)
	record(StepSecret, plan.SecretPath(), nil, err, start)
	if err != nil {
		return fail(StepSecret, plan.SecretPath(), err)
	}

	_ = run(StepFetch, plan.FetchCommand())
	_ = run(StepChmod, plan.ChmodCommand())

	launch := plan.LaunchCommand()
	if err := run(StepLaunch, launch); err != nil {
		return fail(StepLaunch, launch, err)
	}
	res.Launched = true
	log.Info().Int("agent_port", plan.AgentPort).Msg("agent launched")
	return res
}

func upload(ctx context.Context, sess Session, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return sess.Upload(ctx, remotePath, f, 0o644)
}
