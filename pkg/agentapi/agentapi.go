// Package agentapi holds the wire contract between the worker agent and the
// status aggregator.
package agentapi

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Status is the job state reported by an agent.
type Status string

const (
	StatusRunning Status = "Running"
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

// Endpoint paths served by the agent.
const (
	PathStatus    = "/status"
	PathClientLog = "/log/client"
	PathInitLog   = "/log/init"
	PathHealth    = "/healthz"
	PathMetrics   = "/metrics"
)

// SecretParam is the query parameter carrying the shared secret.
const SecretParam = "secret_key"

// Response bodies.
const (
	AuthFailedBody = "Authentication failed"
	NotFoundBody   = "Not found"
)

// Artifact file names inside the agent working directory.
const (
	StatusFile   = "status"
	ClientLog    = "client.log"
	InitLog      = "init.log"
	TaskFile     = "dag.factfile"
	SecretFile   = "secret_key"
	BinaryName   = "biopoem"
	DefaultPort  = 3000
	SecretEnvVar = "BIOPOEM_SECRET_KEY"
)

// ParseStatus matches body against the status vocabulary after trimming
// whitespace.
func ParseStatus(body string) (Status, bool) {
	switch s := Status(strings.TrimSpace(body)); s {
	case StatusRunning, StatusSuccess, StatusFailed:
		return s, true
	default:
		return "", false
	}
}

// URL builds the authenticated URL for path on the agent at host:port.
func URL(host string, port int, path, secret string) string {
	u := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     path,
		RawQuery: url.Values{SecretParam: {secret}}.Encode(),
	}
	return u.String()
}
