package agent

import (
	"net"
	"os"
	"strconv"
	"strings"

	"biopoem/pkg/agentapi"
	"biopoem/pkg/errs"
)

// DefaultEngine is the workload engine invoked with the task path.
var DefaultEngine = []string{"factotum", "run"}

// Config controls one agent process.
type Config struct {
	Workdir    string
	Host       string
	Port       int
	Task       string
	WebhookURL string
	SecretKey  string
	// EngineCommand is the program and leading arguments; the task path,
	// then --webhook <url> when set, are appended.
	EngineCommand []string
	// RateLimit is requests per minute per client IP; 0 disables it.
	RateLimit int
}

func (c Config) withDefaults() Config {
	if c.Workdir == "" {
		c.Workdir = "."
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = agentapi.DefaultPort
	}
	if len(c.EngineCommand) == 0 {
		c.EngineCommand = DefaultEngine
	}
	return c
}

// Validate reports configuration errors before anything is started.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.SecretKey == "" {
		return errs.Configf("secret-key", "is required (set %s)", agentapi.SecretEnvVar)
	}
	if strings.TrimSpace(c.Task) == "" {
		return errs.Configf("task", "is required")
	}
	if net.ParseIP(c.Host) == nil {
		return errs.Configf("host", "must be an IP address, got %q", c.Host)
	}
	if c.Port < 1 || c.Port > 65535 {
		return errs.Configf("port", "out of range: %d", c.Port)
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	c = c.withDefaults()
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ReadSecretFile returns the secret stored at path, without a trailing newline.
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &errs.ConfigError{Field: "secret-file", Err: err}
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", errs.Configf("secret-file", "%s is empty", path)
	}
	return secret, nil
}
