package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"biopoem/pkg/bus"
	"biopoem/pkg/errs"
	"biopoem/pkg/s3"
	"biopoem/pkg/telemetry"
	"biopoem/services/bundler"
	"biopoem/services/orchestrator/internal/config"
)

const serviceName = "biopoem"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	a := &app{logger: zerolog.Nop()}
	err := newRootCommand(a).ExecuteContext(ctx)
	a.close()
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(errs.ExitCode(err))
	}
}

// app carries what every subcommand shares once the root pre-run has loaded it.
type app struct {
	logLevel string
	envFile  string

	cfg      config.Config
	logger   zerolog.Logger
	shutdown func(context.Context) error
	bus      *bus.Bus
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "biopoem",
		Short:         "Provision an ephemeral fleet, dispatch per-host tasks and monitor the workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &errs.ConfigError{Field: "flags", Err: err}
	})

	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); defaults to BIOPOEM_LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", "", "Optional dotenv file loaded before reading the environment")

	cmd.AddCommand(newProvisionCommand(a))
	cmd.AddCommand(newDispatchCommand(a))
	cmd.AddCommand(newMonitorCommand(a))
	cmd.AddCommand(newAgentCommand(a))
	cmd.AddCommand(newBundleCommand(a))
	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := config.Load(ctx, a.envFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	logger, err := telemetry.NewLogger(os.Stderr, level, true)
	if err != nil {
		return &errs.ConfigError{Field: "log-level", Err: err}
	}
	a.logger = logger.With().Str("cmd", cmd.Name()).Logger()

	shutdown, err := telemetry.Init(ctx, serviceName+"-"+cmd.Name(), cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdown = shutdown
	a.logger.Debug().Str("integrations", cfg.String()).Msg("configuration loaded")
	return nil
}

func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("shutdown telemetry")
	}
}

// eventBus connects to NATS when BIOPOEM_NATS_URL is set. A connection
// failure disables publishing rather than failing the command.
func (a *app) eventBus() *bus.Bus {
	if a.bus != nil || a.cfg.NATSURL == "" {
		return a.bus
	}
	b, err := bus.New(a.cfg.NATSURL)
	if err != nil {
		a.logger.Warn().Err(err).Msg("event bus unavailable, events will not be published")
		return nil
	}
	a.bus = b
	return b
}

func (a *app) objectStore(ctx context.Context) (*s3.Client, error) {
	opts := a.cfg.S3.Options()
	if !opts.Configured() {
		return nil, nil
	}
	client, err := s3.NewClient(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return client, nil
}

func (a *app) signer() (*bundler.Signer, error) {
	if !a.cfg.Signing() {
		return nil, nil
	}
	signer, err := bundler.NewSigner(a.cfg.AgeSecretKey, a.cfg.AgePublicKey)
	if err != nil {
		return nil, &errs.ConfigError{Field: "AGE_SECRET_KEY", Err: err}
	}
	return signer, nil
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
