package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"biopoem/services/provisioner"
	"biopoem/services/registry"
)

// TerraformDir is the engine working directory below the workdir.
const TerraformDir = "terraform"

// ProvisionOptions are the operator inputs of provision and destroy.
type ProvisionOptions struct {
	Workdir      string
	HostsFile    string
	Template     string
	Region       string
	Zone         string
	HostCount    int
	Image        string
	InstanceType string
	KeyPair      string
	AgentPort    int
	Credentials  provisioner.Credentials
	// Update skips init for an already initialised working directory.
	Update bool
}

func (o *Orchestrator) newProvisioner(opts ProvisionOptions) *provisioner.Provisioner {
	creds := opts.Credentials
	if creds.Region == "" {
		creds.Region = opts.Region
	}
	p := provisioner.New(filepath.Join(workdir(opts.Workdir), TerraformDir), creds, o.Logger)
	if o.Runner != nil {
		p.Runner = o.Runner
	}
	if o.Terraform != "" {
		p.Binary = o.Terraform
	}
	return p
}

func workdir(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

func hostsFile(name, dir string) string {
	if name == "" {
		name = "hosts"
	}
	return resolve(workdir(dir), name)
}

// Provision creates the fleet and writes the host registry. Configuration
// and credentials are checked before any subprocess starts.
func (o *Orchestrator) Provision(ctx context.Context, opts ProvisionOptions) (ProvisionReport, error) {
	if err := o.check(); err != nil {
		return ProvisionReport{}, err
	}
	cfg, err := provisioner.NewConfig(opts.Region, opts.Zone, opts.HostCount, opts.Image, opts.InstanceType, opts.KeyPair)
	if err != nil {
		return ProvisionReport{}, err
	}
	if opts.AgentPort != 0 {
		cfg.AgentPort = opts.AgentPort
	}
	if err := opts.Credentials.Validate(); err != nil {
		return ProvisionReport{}, err
	}

	p := o.newProvisioner(opts)
	if _, err := p.WriteConfig(cfg, opts.Template); err != nil {
		return ProvisionReport{}, err
	}
	if !opts.Update {
		if err := p.Init(ctx); err != nil {
			return ProvisionReport{}, err
		}
	}
	if err := p.Apply(ctx); err != nil {
		return ProvisionReport{}, err
	}
	ips, err := p.PublicIPs(ctx)
	if err != nil {
		return ProvisionReport{}, err
	}

	hosts, truncated := registry.GenHosts(cfg.PrivateIPs, ips)
	if truncated {
		o.Logger.Warn().Int("requested", len(cfg.PrivateIPs)).Int("public_ips", len(ips)).Msg("public address count differs from requested hosts, registry truncated")
	}
	path := hostsFile(opts.HostsFile, opts.Workdir)
	if err := registry.Write(path, hosts); err != nil {
		return ProvisionReport{}, fmt.Errorf("write host registry: %w", err)
	}
	o.Logger.Info().Str("hosts_file", path).Int("hosts", len(hosts)).Msg("fleet provisioned")
	return ProvisionReport{HostsFile: path, Hosts: hosts, Truncated: truncated}, nil
}

// Destroy tears the fleet down and leaves a header-only registry behind.
func (o *Orchestrator) Destroy(ctx context.Context, opts ProvisionOptions) error {
	if err := o.check(); err != nil {
		return err
	}
	if err := opts.Credentials.Validate(); err != nil {
		return err
	}
	if _, err := o.newProvisioner(opts).Destroy(ctx); err != nil {
		return err
	}
	path := hostsFile(opts.HostsFile, opts.Workdir)
	if err := registry.Write(path, nil); err != nil {
		return fmt.Errorf("write host registry: %w", err)
	}
	o.Logger.Info().Str("hosts_file", path).Msg("fleet destroyed")
	return nil
}
