package registry

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"biopoem/pkg/errs"
)

func TestGenHosts(t *testing.T) {
	private := []string{"172.16.0.1", "172.16.0.2", "172.16.0.3"}
	public := []string{"47.0.0.1", "47.0.0.2", "47.0.0.3"}

	hosts, truncated := GenHosts(private, public)
	if truncated {
		t.Fatalf("GenHosts() truncated = true, want false")
	}
	want := []Host{
		{Hostname: "biopoem001", IPAddr: "47.0.0.1", PrivateIPAddr: "172.16.0.1", Port: "22", Username: "root"},
		{Hostname: "biopoem002", IPAddr: "47.0.0.2", PrivateIPAddr: "172.16.0.2", Port: "22", Username: "root"},
		{Hostname: "biopoem003", IPAddr: "47.0.0.3", PrivateIPAddr: "172.16.0.3", Port: "22", Username: "root"},
	}
	if !reflect.DeepEqual(hosts, want) {
		t.Fatalf("GenHosts() = %#v, want %#v", hosts, want)
	}
}

func TestGenHostsTruncates(t *testing.T) {
	tests := []struct {
		name    string
		private []string
		public  []string
		want    int
	}{
		{name: "fewer public", private: []string{"172.16.0.1", "172.16.0.2"}, public: []string{"47.0.0.1"}, want: 1},
		{name: "fewer private", private: []string{"172.16.0.1"}, public: []string{"47.0.0.1", "47.0.0.2"}, want: 1},
		{name: "no public", private: []string{"172.16.0.1"}, public: nil, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hosts, truncated := GenHosts(tt.private, tt.public)
			if !truncated {
				t.Fatalf("GenHosts() truncated = false, want true")
			}
			if len(hosts) != tt.want {
				t.Fatalf("len(GenHosts()) = %d, want %d", len(hosts), tt.want)
			}
		})
	}
}

func TestHostnamesAreUniqueAndOrdered(t *testing.T) {
	seen := map[string]bool{}
	prev := ""
	for i := 1; i <= 255; i++ {
		name := Hostname(i)
		if seen[name] {
			t.Fatalf("duplicate hostname %s", name)
		}
		if name <= prev {
			t.Fatalf("hostname %s does not sort after %s", name, prev)
		}
		seen[name] = true
		prev = name
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	hosts, _ := GenHosts([]string{"172.16.0.1", "172.16.0.2"}, []string{"47.0.0.1", "47.0.0.2"})
	hosts[1].Port = "2222"
	hosts[1].Username = "ubuntu"

	if err := Write(path, hosts); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !reflect.DeepEqual(got, hosts) {
		t.Fatalf("Read() = %#v, want %#v", got, hosts)
	}

	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "hostname,ipaddr,private_ipaddr,port,username\n") {
		t.Fatalf("registry header = %q", strings.SplitN(string(data), "\n", 2)[0])
	}
}

func TestWriteEmptyLeavesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	if err := Write(path, nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Read() = %v, want empty", got)
	}
}

func TestReadRejectsBadSchema(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty", content: ""},
		{name: "wrong header", content: "name,ip,private,port,user\n"},
		{name: "short row", content: "hostname,ipaddr,private_ipaddr,port,username\nbiopoem001,47.0.0.1\n"},
		{name: "bad ip", content: "hostname,ipaddr,private_ipaddr,port,username\nbiopoem001,nope,172.16.0.1,22,root\n"},
		{name: "bad port", content: "hostname,ipaddr,private_ipaddr,port,username\nbiopoem001,47.0.0.1,172.16.0.1,ssh,root\n"},
		{name: "duplicate", content: "hostname,ipaddr,private_ipaddr,port,username\n" +
			"biopoem001,47.0.0.1,172.16.0.1,22,root\nbiopoem001,47.0.0.2,172.16.0.2,22,root\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "hosts")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write fixture: %v", err)
			}
			_, err := Read(path)
			var cfgErr *errs.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Read() error = %v, want ConfigError", err)
			}
		})
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent"))
	if errs.ExitCode(err) != errs.ExitParseError {
		t.Fatalf("Read() error = %v, want config error exit code", err)
	}
}
