package main

import (
	"strings"

	"github.com/spf13/cobra"

	"biopoem/pkg/agentapi"
	"biopoem/services/agent"
)

func newAgentCommand(a *app) *cobra.Command {
	var (
		cfg        agent.Config
		engine     string
		secretFile string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the task in the background and serve its status and logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.SecretKey == "" && secretFile != "" {
				secret, err := agent.ReadSecretFile(resolvePath(cfg.Workdir, secretFile))
				if err != nil {
					return err
				}
				cfg.SecretKey = secret
			}
			if cfg.SecretKey == "" {
				cfg.SecretKey = a.cfg.SecretKey
			}
			if !cmd.Flags().Changed("port") {
				cfg.Port = a.cfg.AgentPort
			}
			cfg.EngineCommand = strings.Fields(engine)

			ag, err := agent.New(cfg, nil, a.logger)
			if err != nil {
				return err
			}
			return ag.Serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&cfg.Workdir, "workdir", ".", "Directory holding the task, status and logs")
	cmd.Flags().StringVar(&cfg.Host, "host", "127.0.0.1", "Listen address")
	cmd.Flags().IntVar(&cfg.Port, "port", agentapi.DefaultPort, "Listen port (default $BIOPOEM_AGENT_PORT)")
	cmd.Flags().StringVar(&cfg.Task, "task", "", "Task file or http(s) URL")
	cmd.Flags().StringVar(&cfg.WebhookURL, "webhook", "", "Webhook URL passed to the workload engine")
	cmd.Flags().StringVar(&cfg.SecretKey, "secret-key", "", "Shared secret required on every request (default $"+agentapi.SecretEnvVar+")")
	cmd.Flags().StringVar(&secretFile, "secret-file", "", "File holding the shared secret, relative to --workdir")
	cmd.Flags().StringVar(&engine, "engine", strings.Join(agent.DefaultEngine, " "), "Workload engine command; the task path is appended")
	cmd.Flags().IntVar(&cfg.RateLimit, "rate-limit", 0, "Requests per minute per client IP, 0 for unlimited")
	return cmd
}
