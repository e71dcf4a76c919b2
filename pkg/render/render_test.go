package render

import (
	"strings"
	"testing"
)

type node struct {
	Hostname  string
	PrivateIP string
}

type infra struct {
	Region, Zone, Image, InstanceType, KeyPair string
	AgentPort                                  int
	Nodes                                      []node
}

func TestEmbeddedInfraTemplate(t *testing.T) {
	engine, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := engine.Render(InfraTemplate, infra{
		Region:       "cn-shanghai",
		Zone:         "cn-shanghai-a",
		Image:        "ubuntu",
		InstanceType: "ecs.t6",
		KeyPair:      "biopoem-secret-key",
		AgentPort:    3000,
		Nodes: []node{
			{Hostname: "biopoem001", PrivateIP: "172.16.0.1"},
			{Hostname: "biopoem002", PrivateIP: "172.16.0.2"},
		},
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	for _, want := range []string{
		`region = "cn-shanghai"`,
		`resource "alicloud_instance" "biopoem002"`,
		`private_ip                 = "172.16.0.2"`,
		`port_range        = "3000/3000"`,
		`value = [alicloud_instance.biopoem001.public_ip, alicloud_instance.biopoem002.public_ip]`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered template missing %q:\n%s", want, out)
		}
	}
}

func TestParseMissingKey(t *testing.T) {
	engine, err := Parse("dag", "sample={{ .sample }}")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if _, err := engine.Render("dag", map[string]any{"other": 1}); err == nil {
		t.Fatalf("Render() error = nil, want missing key error")
	}

	got, err := engine.Render("dag", map[string]any{"sample": "S1"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got != "sample=S1" {
		t.Fatalf("Render() = %q, want %q", got, "sample=S1")
	}
}

func TestFuncs(t *testing.T) {
	tests := []struct {
		name string
		text string
		data any
		want string
	}{
		{name: "toJSON", text: `{{ toJSON .v }}`, data: map[string]any{"v": map[string]any{"a": 1}}, want: `{"a":1}`},
		{name: "join", text: `{{ join "," .v }}`, data: map[string]any{"v": []any{"r1", "r2"}}, want: "r1,r2"},
		{name: "default", text: `{{ default "x" .v }}`, data: map[string]any{"v": ""}, want: "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := Parse(tt.name, tt.text)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			got, err := engine.Render(tt.name, tt.data)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}
