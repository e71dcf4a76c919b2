package provisioner

import (
	"fmt"
	"strings"

	"biopoem/pkg/agentapi"
	"biopoem/pkg/errs"
	"biopoem/services/registry"
)

// Defaults for an Alibaba Cloud fleet.
const (
	DefaultZone         = "a"
	DefaultImage        = "ubuntu_20_04_x64_20G_alibase_20220215.vhd"
	DefaultInstanceType = "ecs.t6-c2m1.large"
	DefaultKeyPair      = "biopoem-secret-key"
	MaxHosts            = 255
	privateSubnetPrefix = "172.16.0."
)

// Config describes the fleet to provision. Build it with NewConfig.
type Config struct {
	Region       string
	Zone         string
	HostCount    int
	Image        string
	InstanceType string
	KeyPair      string
	PrivateIPs   []string
	AgentPort    int
}

// Node is one instance as seen by the infrastructure template.
type Node struct {
	Hostname  string
	PrivateIP string
}

// NewConfig validates the fleet parameters and allocates one private
// address per host from 172.16.0.0/24, starting at .1. zone is the zone
// suffix; the stored Zone is "<region>-<zone>".
func NewConfig(region, zone string, hostCount int, image, instanceType, keyPair string) (Config, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		return Config{}, errs.Configf("region", "is required")
	}
	if hostCount < 1 || hostCount > MaxHosts {
		return Config{}, errs.Configf("num-of-hosts", "must be between 1 and %d, got %d", MaxHosts, hostCount)
	}
	if zone == "" {
		zone = DefaultZone
	}
	if image == "" {
		image = DefaultImage
	}
	if instanceType == "" {
		instanceType = DefaultInstanceType
	}
	if keyPair == "" {
		keyPair = DefaultKeyPair
	}

	ips := make([]string, 0, hostCount)
	for i := 1; i <= hostCount; i++ {
		ips = append(ips, fmt.Sprintf("%s%d", privateSubnetPrefix, i))
	}

	return Config{
		Region:       region,
		Zone:         region + "-" + zone,
		HostCount:    hostCount,
		Image:        image,
		InstanceType: instanceType,
		KeyPair:      keyPair,
		PrivateIPs:   ips,
		AgentPort:    agentapi.DefaultPort,
	}, nil
}

// Nodes returns the instances in private-address order.
func (c Config) Nodes() []Node {
	nodes := make([]Node, 0, len(c.PrivateIPs))
	for i, ip := range c.PrivateIPs {
		nodes = append(nodes, Node{Hostname: registry.Hostname(i + 1), PrivateIP: ip})
	}
	return nodes
}

// Credentials are the cloud API keys handed to the infrastructure engine.
type Credentials struct {
	AccessKey string
	SecretKey string
	Region    string
}

// Validate reports missing keys.
func (c Credentials) Validate() error {
	if c.AccessKey == "" {
		return errs.Configf("access-key", "is required")
	}
	if c.SecretKey == "" {
		return errs.Configf("secret-key", "is required")
	}
	return nil
}

// Environ returns the variables added to the subprocess environment.
func (c Credentials) Environ() []string {
	env := []string{
		"ALICLOUD_ACCESS_KEY=" + c.AccessKey,
		"ALICLOUD_SECRET_KEY=" + c.SecretKey,
		"TF_IN_AUTOMATION=1",
		"TF_INPUT=0",
	}
	if c.Region != "" {
		env = append(env, "ALICLOUD_REGION="+c.Region)
	}
	return env
}
