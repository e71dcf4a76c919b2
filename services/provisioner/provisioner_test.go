package provisioner

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"biopoem/pkg/errs"
)

type fakeRunner struct {
	calls   []Command
	results map[string]fakeResult
}

type fakeResult struct {
	stdout, stderr string
	code           int
	err            error
}

func (f *fakeRunner) Run(_ context.Context, cmd Command) ([]byte, []byte, int, error) {
	f.calls = append(f.calls, cmd)
	r := f.results[cmd.Args[0]]
	return []byte(r.stdout), []byte(r.stderr), r.code, r.err
}

func newTestProvisioner(t *testing.T, runner Runner) *Provisioner {
	t.Helper()
	p := New(t.TempDir(), Credentials{AccessKey: "ak", SecretKey: "sk", Region: "cn-shanghai"}, zerolog.Nop())
	p.Runner = runner
	return p
}

func TestNewConfigPrivateIPPool(t *testing.T) {
	_, subnet, _ := net.ParseCIDR("172.16.0.0/24")
	for n := 1; n <= MaxHosts; n++ {
		cfg, err := NewConfig("cn-shanghai", "a", n, "", "", "")
		if err != nil {
			t.Fatalf("NewConfig(%d) error = %v", n, err)
		}
		if len(cfg.PrivateIPs) != n {
			t.Fatalf("NewConfig(%d) allocated %d addresses", n, len(cfg.PrivateIPs))
		}
		prev := -1
		for _, raw := range cfg.PrivateIPs {
			ip := net.ParseIP(raw).To4()
			if ip == nil || !subnet.Contains(ip) {
				t.Fatalf("NewConfig(%d) address %q outside subnet", n, raw)
			}
			if int(ip[3]) <= prev {
				t.Fatalf("NewConfig(%d) addresses not strictly increasing at %s", n, raw)
			}
			prev = int(ip[3])
		}
		if cfg.PrivateIPs[0] != "172.16.0.1" {
			t.Fatalf("NewConfig(%d) first address = %s, want 172.16.0.1", n, cfg.PrivateIPs[0])
		}
	}
}

func TestNewConfigRejectsFleetSize(t *testing.T) {
	for _, n := range []int{0, -1, 256, 1000} {
		_, err := NewConfig("cn-shanghai", "a", n, "", "", "")
		var cfgErr *errs.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("NewConfig(%d) error = %v, want ConfigError", n, err)
		}
	}
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig("cn-shanghai", "", 2, "", "", "")
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if cfg.Zone != "cn-shanghai-a" {
		t.Fatalf("Zone = %q, want cn-shanghai-a", cfg.Zone)
	}
	if cfg.KeyPair != DefaultKeyPair || cfg.Image != DefaultImage || cfg.InstanceType != DefaultInstanceType {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	want := []Node{{Hostname: "biopoem001", PrivateIP: "172.16.0.1"}, {Hostname: "biopoem002", PrivateIP: "172.16.0.2"}}
	if !reflect.DeepEqual(cfg.Nodes(), want) {
		t.Fatalf("Nodes() = %v, want %v", cfg.Nodes(), want)
	}
}

func TestCredentials(t *testing.T) {
	if err := (Credentials{SecretKey: "sk"}).Validate(); err == nil {
		t.Fatalf("Validate() error = nil, want missing access key")
	}
	if err := (Credentials{AccessKey: "ak"}).Validate(); err == nil {
		t.Fatalf("Validate() error = nil, want missing secret key")
	}
	env := Credentials{AccessKey: "ak", SecretKey: "sk", Region: "cn-beijing"}.Environ()
	for _, want := range []string{"ALICLOUD_ACCESS_KEY=ak", "ALICLOUD_SECRET_KEY=sk", "ALICLOUD_REGION=cn-beijing"} {
		found := false
		for _, kv := range env {
			found = found || kv == want
		}
		if !found {
			t.Fatalf("Environ() = %v, missing %s", env, want)
		}
	}
}

func TestRunPassesScopedEnvironment(t *testing.T) {
	runner := &fakeRunner{}
	p := newTestProvisioner(t, runner)

	res := p.Run(context.Background(), ActionApply)
	if res.Status != StatusSuccess || res.Err() != nil {
		t.Fatalf("Run() = %+v, want success", res)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("runner called %d times, want 1", len(runner.calls))
	}
	call := runner.calls[0]
	if call.Name != "terraform" || call.Dir != p.Dir {
		t.Fatalf("call = %+v, want terraform in %s", call, p.Dir)
	}
	if strings.Join(call.Args, " ") != "apply -input=false -auto-approve -no-color" {
		t.Fatalf("args = %v", call.Args)
	}
	if os.Getenv("ALICLOUD_ACCESS_KEY") == "ak" {
		t.Fatalf("credentials leaked into the parent environment")
	}
}

func TestRunClassifiesFailure(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{
		"apply": {stdout: "planning", stderr: "Error: quota exceeded\n", code: 1},
	}}
	p := newTestProvisioner(t, runner)

	res := p.Run(context.Background(), ActionApply)
	if res.Status != StatusFailed || res.ExitCode != 1 {
		t.Fatalf("Run() = %+v, want failed with exit 1", res)
	}
	var provErr *errs.ProvisionError
	if !errors.As(res.Err(), &provErr) {
		t.Fatalf("Err() = %v, want ProvisionError", res.Err())
	}
	if provErr.Action != "apply" || provErr.Code != 1 || !strings.Contains(provErr.Error(), "quota exceeded") {
		t.Fatalf("ProvisionError = %v", provErr)
	}
	if errs.ExitCode(res.Err()) != errs.ExitExecError {
		t.Fatalf("ExitCode() = %d, want %d", errs.ExitCode(res.Err()), errs.ExitExecError)
	}
}

func TestRunStartFailure(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{
		"init": {code: -1, err: errors.New("executable file not found")},
	}}
	p := newTestProvisioner(t, runner)
	if err := p.Init(context.Background()); err == nil || !strings.Contains(err.Error(), "executable file not found") {
		t.Fatalf("Init() error = %v, want start failure", err)
	}
}

func TestDestroyWithoutState(t *testing.T) {
	runner := &fakeRunner{}
	p := newTestProvisioner(t, runner)

	res, err := p.Destroy(context.Background())
	if err != nil || !res.Skipped {
		t.Fatalf("Destroy() = %+v, %v; want skipped", res, err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("runner called %d times, want 0", len(runner.calls))
	}

	if err := os.WriteFile(filepath.Join(p.Dir, "terraform.tfstate"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}
	if _, err := p.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if len(runner.calls) != 1 || runner.calls[0].Args[0] != "destroy" {
		t.Fatalf("calls = %+v, want one destroy", runner.calls)
	}
}

func TestParsePublicIPs(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{name: "array", input: `["47.0.0.1","47.0.0.2"]`, want: []string{"47.0.0.1", "47.0.0.2"}},
		{name: "output map", input: `{"public_ips":{"sensitive":false,"value":["47.0.0.1"]}}`, want: []string{"47.0.0.1"}},
		{name: "missing output", input: `{"other":{"value":[]}}`, wantErr: true},
		{name: "not an ip", input: `["pending"]`, wantErr: true},
		{name: "garbage", input: `nope`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePublicIPs([]byte(tt.input), "")
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePublicIPs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParsePublicIPs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPublicIPs(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{
		"output": {stdout: `["47.0.0.1","47.0.0.2"]` + "\n"},
	}}
	p := newTestProvisioner(t, runner)
	ips, err := p.PublicIPs(context.Background())
	if err != nil {
		t.Fatalf("PublicIPs() error = %v", err)
	}
	if len(ips) != 2 {
		t.Fatalf("PublicIPs() = %v", ips)
	}
	if got := runner.calls[0].Args; got[len(got)-1] != DefaultOutput {
		t.Fatalf("output args = %v, want trailing %s", got, DefaultOutput)
	}
}

func TestWriteConfig(t *testing.T) {
	p := newTestProvisioner(t, &fakeRunner{})
	cfg, _ := NewConfig("cn-shanghai", "b", 3, "", "", "")

	path, err := p.WriteConfig(cfg, "")
	if err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), `"biopoem003"`) || !strings.Contains(string(data), `"cn-shanghai-b"`) {
		t.Fatalf("rendered config missing hosts or zone:\n%s", data)
	}

	custom := filepath.Join(t.TempDir(), "custom.tf")
	if err := os.WriteFile(custom, []byte(`zone = "{{ .Missing }}"`), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	_, err = p.WriteConfig(cfg, custom)
	var renderErr *errs.RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("WriteConfig() error = %v, want RenderError", err)
	}
}
