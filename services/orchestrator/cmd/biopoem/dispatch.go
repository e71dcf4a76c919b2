package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"biopoem/pkg/errs"
	"biopoem/services/bootstrap"
	"biopoem/services/monitor"
	"biopoem/services/orchestrator"
	"biopoem/services/registry"
)

func newDispatchCommand(a *app) *cobra.Command {
	var (
		opts        orchestrator.DispatchOptions
		keyFile     string
		policy      string
		knownHosts  string
		runMonitor  bool
		online      bool
		intervalMin int
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Render every host's task, push it and launch the agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			hostKeys, err := bootstrap.ParseHostKeyPolicy(policy)
			if err != nil {
				return err
			}
			dialer, err := bootstrap.NewSSHDialer(resolvePath(opts.Workdir, keyFile), hostKeys, knownHosts)
			if err != nil {
				return &errs.ConfigError{Field: "keyfile", Err: err}
			}

			opts.Plan.SecretKey = a.cfg.SecretKey
			opts.Plan.AgentPort = a.cfg.AgentPort
			opts.Plan.BinaryURL = a.cfg.WorkerURL
			opts.Bucket = a.cfg.S3.Bucket
			opts.WorkerKey = a.cfg.WorkerKey
			if opts.Signer, err = a.signer(); err != nil {
				return err
			}

			o := orchestrator.New(a.logger)
			o.Dialer = dialer
			if b := a.eventBus(); b != nil {
				o.Bus = b
			}
			store, err := a.objectStore(ctx)
			if err != nil {
				return err
			}
			if store != nil {
				o.Store = store
			}

			report, err := o.Dispatch(ctx, opts)
			printReport(cmd.OutOrStdout(), report)
			if runMonitor && report.Fleet.Launched > 0 {
				if monErr := a.monitorFleet(cmd, resolvePath(opts.Workdir, opts.HostsFile), online, intervalMin, false); monErr != nil && err == nil {
					err = monErr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Workdir, "workdir", ".", "Working directory; relative paths below resolve against it")
	cmd.Flags().StringVar(&opts.HostsFile, "hosts", "hosts", "Host registry")
	cmd.Flags().StringVar(&opts.TemplateFile, "dag-template", "dag.template", "Per-host task template")
	cmd.Flags().StringVar(&opts.VariablesFile, "variable-file", "variables", "JSON or YAML object of per-host task contexts")
	cmd.Flags().StringVar(&keyFile, "keyfile", "keyfile", "SSH private key for the fleet")
	cmd.Flags().StringVar(&opts.Plan.RemoteWorkdir, "remote-workdir", bootstrap.DefaultRemoteWorkdir, "Working directory on every host")
	cmd.Flags().StringVar(&opts.Plan.WebhookURL, "webhook", "", "Webhook URL handed to the workload engine")
	cmd.Flags().IntVar(&opts.Policy.Concurrency, "concurrency", bootstrap.DefaultConcurrency, "Hosts bootstrapped at the same time")
	cmd.Flags().BoolVar(&opts.Policy.FailFast, "fail-fast", false, "Stop starting hosts after the first failure")
	cmd.Flags().IntVar(&opts.Policy.MaxFailures, "max-failures", 0, "Failed hosts tolerated before the run fails")
	cmd.Flags().StringVar(&policy, "host-key-policy", string(bootstrap.HostKeyInsecure), "Host key verification: insecure, known-hosts or accept-new")
	cmd.Flags().StringVar(&knownHosts, "known-hosts", "", "known_hosts file for the known-hosts and accept-new policies")
	cmd.Flags().BoolVar(&opts.Bundle, "bundle", false, "Archive the rendered tasks into a signed bundle")
	cmd.Flags().BoolVar(&runMonitor, "monitor", false, "Poll the fleet after dispatch")
	cmd.Flags().BoolVar(&online, "online", false, "With --monitor, keep polling until interrupted")
	cmd.Flags().IntVar(&intervalMin, "interval", 1, "With --online, minutes between polls")
	return cmd
}

func printReport(w io.Writer, report orchestrator.Report) {
	if report.RunID == "" {
		return
	}
	fmt.Fprintf(w, "run %s: rendered %d, skipped %d, launched %d, failed %d\n",
		report.RunID, len(report.Rendered), len(report.Skipped), report.Fleet.Launched, report.Fleet.Failed)
	if report.Bundle != "" {
		fmt.Fprintf(w, "bundle: %s\n", report.Bundle)
	}
	for _, h := range report.Fleet.Hosts {
		if h.Error != "" {
			fmt.Fprintf(w, "  %s: %s\n", h.Hostname, h.Error)
		}
	}
}

func (a *app) monitorFleet(cmd *cobra.Command, hostsFile string, online bool, intervalMin int, tail bool) error {
	if intervalMin < 1 {
		return errs.Configf("interval", "must be at least 1 minute, got %d", intervalMin)
	}
	hosts, err := registry.Read(hostsFile)
	if err != nil {
		return err
	}
	m := monitor.New(hosts, monitor.Options{
		SecretKey: a.cfg.SecretKey,
		AgentPort: a.cfg.AgentPort,
		Online:    online,
		Interval:  time.Duration(intervalMin) * time.Minute,
		Tail:      tail,
	}, cmd.OutOrStdout(), a.logger)
	if b := a.eventBus(); b != nil {
		m.WithSink(b)
	}
	return m.Run(cmd.Context())
}
