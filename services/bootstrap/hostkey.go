package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"biopoem/pkg/errs"
)

// HostKeyPolicy selects how SSH host keys are verified.
type HostKeyPolicy string

const (
	// HostKeyInsecure accepts any host key. Fresh cloud instances have no
	// recorded key, so this is the default.
	HostKeyInsecure HostKeyPolicy = "insecure"
	// HostKeyKnownHosts requires the key to be present in known_hosts.
	HostKeyKnownHosts HostKeyPolicy = "known-hosts"
	// HostKeyAcceptNew records unknown keys and rejects changed ones.
	HostKeyAcceptNew HostKeyPolicy = "accept-new"
)

// ParseHostKeyPolicy validates a policy name; empty selects HostKeyInsecure.
func ParseHostKeyPolicy(s string) (HostKeyPolicy, error) {
	switch p := HostKeyPolicy(s); p {
	case "":
		return HostKeyInsecure, nil
	case HostKeyInsecure, HostKeyKnownHosts, HostKeyAcceptNew:
		return p, nil
	default:
		return "", errs.Configf("host-key-policy", "unknown policy %q", s)
	}
}

// Callback builds the ssh.HostKeyCallback for the policy.
func (p HostKeyPolicy) Callback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	switch p {
	case "", HostKeyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil
	case HostKeyKnownHosts:
		cb, err := knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, &errs.ConfigError{Field: "known-hosts", Err: err}
		}
		return cb, nil
	case HostKeyAcceptNew:
		return acceptNew(knownHostsFile)
	default:
		return nil, errs.Configf("host-key-policy", "unknown policy %q", p)
	}
}

func acceptNew(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return nil, errs.Configf("known-hosts", "is required for the %s policy", HostKeyAcceptNew)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open known_hosts: %w", err)
	}
	f.Close()

	var mu sync.Mutex
	check, err := knownhosts.New(path)
	if err != nil {
		return nil, &errs.ConfigError{Field: "known-hosts", Err: err}
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()

		err := check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if err == nil || !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("record host key: %w", err)
		}
		defer f.Close()
		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("record host key: %w", err)
		}

		// Reload so later hosts in the same run see the new entry.
		if reloaded, err := knownhosts.New(path); err == nil {
			check = reloaded
		}
		return nil
	}, nil
}
