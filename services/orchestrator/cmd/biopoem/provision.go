package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"biopoem/services/orchestrator"
	"biopoem/services/provisioner"
)

func newProvisionCommand(a *app) *cobra.Command {
	var (
		opts      orchestrator.ProvisionOptions
		accessKey string
		secretKey string
		destroy   bool
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create, update or destroy the fleet and write the host registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if accessKey == "" {
				accessKey = a.cfg.AliCloudAccessKey
			}
			if secretKey == "" {
				secretKey = a.cfg.AliCloudSecretKey
			}
			opts.Credentials = provisioner.Credentials{AccessKey: accessKey, SecretKey: secretKey, Region: opts.Region}
			opts.AgentPort = a.cfg.AgentPort

			o := orchestrator.New(a.logger)
			o.Terraform = a.cfg.Terraform

			if destroy {
				if err := o.Destroy(cmd.Context(), opts); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "fleet destroyed")
				return nil
			}

			report, err := o.Provision(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d hosts to %s\n", len(report.Hosts), report.HostsFile)
			for _, h := range report.Hosts {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\t%s\t%s\n", h.Hostname, h.IPAddr, h.PrivateIPAddr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Region, "region", "", "Cloud region, e.g. cn-shanghai")
	cmd.Flags().StringVar(&opts.Zone, "zone", provisioner.DefaultZone, "Availability zone suffix within the region")
	cmd.Flags().IntVar(&opts.HostCount, "num-of-hosts", 1, "Number of hosts to create (1-255)")
	cmd.Flags().StringVar(&opts.Template, "template", "", "Infrastructure template; the embedded Alibaba Cloud template when empty")
	cmd.Flags().StringVar(&opts.Image, "image", provisioner.DefaultImage, "Instance image id")
	cmd.Flags().StringVar(&opts.InstanceType, "instance-type", provisioner.DefaultInstanceType, "Instance type")
	cmd.Flags().StringVar(&opts.KeyPair, "key-pair", provisioner.DefaultKeyPair, "Key pair attached to every instance")
	cmd.Flags().StringVar(&accessKey, "access-key", "", "Cloud access key (default $ALICLOUD_ACCESS_KEY)")
	cmd.Flags().StringVar(&secretKey, "secret-key", "", "Cloud secret key (default $ALICLOUD_SECRET_KEY)")
	cmd.Flags().BoolVar(&destroy, "destroy", false, "Destroy the fleet instead of creating it")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "Skip init and apply changes to an existing fleet")
	cmd.Flags().StringVar(&opts.Workdir, "workdir", ".", "Working directory holding terraform/ and the registry")
	cmd.Flags().StringVar(&opts.HostsFile, "hosts", "hosts", "Host registry path, relative to the workdir")
	return cmd
}
