package main

import "github.com/spf13/cobra"

func newMonitorCommand(a *app) *cobra.Command {
	var (
		hostsFile   string
		online      bool
		intervalMin int
		tail        bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll every agent in the registry and print the fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.monitorFleet(cmd, hostsFile, online, intervalMin, tail)
		},
	}

	cmd.Flags().StringVar(&hostsFile, "hosts", "hosts", "Host registry")
	cmd.Flags().BoolVar(&online, "online", false, "Keep polling until interrupted")
	cmd.Flags().IntVar(&intervalMin, "interval", 1, "Minutes between polls")
	cmd.Flags().BoolVar(&tail, "tail", false, "Print the end of each host's logs")
	return cmd
}
