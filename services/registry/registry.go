// Package registry persists the provisioned fleet as a CSV host list.
package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"biopoem/pkg/errs"
)

// Defaults applied to generated hosts.
const (
	DefaultPort     = "22"
	DefaultUsername = "root"
	HostPrefix      = "biopoem"
)

// Header is the exact column order of the registry file.
var Header = []string{"hostname", "ipaddr", "private_ipaddr", "port", "username"}

// Host is one provisioned machine.
type Host struct {
	Hostname      string
	IPAddr        string
	PrivateIPAddr string
	Port          string
	Username      string
}

// Address returns the SSH address of the host.
func (h Host) Address() string {
	port := h.Port
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(h.IPAddr, port)
}

func (h Host) record() []string {
	return []string{h.Hostname, h.IPAddr, h.PrivateIPAddr, h.Port, h.Username}
}

// Hostname returns the generated name for the 1-based index i.
func Hostname(i int) string {
	return fmt.Sprintf("%s%03d", HostPrefix, i)
}

// GenHosts pairs the i-th private address with the i-th public address.
// When the lists differ in length the result is truncated to the shorter
// one and truncated is true.
func GenHosts(privateIPs, publicIPs []string) (hosts []Host, truncated bool) {
	n := len(privateIPs)
	if len(publicIPs) != n {
		truncated = true
		n = min(n, len(publicIPs))
	}

	hosts = make([]Host, 0, n)
	for i := 0; i < n; i++ {
		hosts = append(hosts, Host{
			Hostname:      Hostname(i + 1),
			IPAddr:        publicIPs[i],
			PrivateIPAddr: privateIPs[i],
			Port:          DefaultPort,
			Username:      DefaultUsername,
		})
	}
	return hosts, truncated
}

// Read loads and validates the registry at path.
func Read(path string) ([]Host, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &errs.ConfigError{Field: "hosts", Err: fmt.Errorf("%s does not exist", path)}
		}
		return nil, fmt.Errorf("open registry: %w", err)
	}
	defer f.Close()

	hosts, err := Decode(f)
	if err != nil {
		return nil, &errs.ConfigError{Field: path, Err: err}
	}
	return hosts, nil
}

// Decode parses registry records from r.
func Decode(r io.Reader) ([]Host, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range Header {
		if header[i] != col {
			return nil, fmt.Errorf("header column %d is %q, want %q", i+1, header[i], col)
		}
	}

	var hosts []Host
	seen := map[string]int{}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)

		h := Host{Hostname: rec[0], IPAddr: rec[1], PrivateIPAddr: rec[2], Port: rec[3], Username: rec[4]}
		if err := validate(h); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if prev, ok := seen[h.Hostname]; ok {
			return nil, fmt.Errorf("line %d: duplicate hostname %q (first seen on line %d)", line, h.Hostname, prev)
		}
		seen[h.Hostname] = line
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func validate(h Host) error {
	if h.Hostname == "" {
		return errors.New("empty hostname")
	}
	if net.ParseIP(h.IPAddr) == nil {
		return fmt.Errorf("invalid ipaddr %q", h.IPAddr)
	}
	if net.ParseIP(h.PrivateIPAddr) == nil {
		return fmt.Errorf("invalid private_ipaddr %q", h.PrivateIPAddr)
	}
	if port, err := strconv.Atoi(h.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", h.Port)
	}
	if h.Username == "" {
		return errors.New("empty username")
	}
	return nil
}

// Write replaces the registry at path with hosts.
func Write(path string, hosts []Host) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".hosts-*")
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, hosts); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// Encode writes the header and one record per host to w.
func Encode(w io.Writer, hosts []Host) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, h := range hosts {
		if err := cw.Write(h.record()); err != nil {
			return fmt.Errorf("write %s: %w", h.Hostname, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
