package s3

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestEncodeSHA256(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "valid", input: "00ff", want: "AP8="},
		{name: "empty", input: "", wantErr: true},
		{name: "not hex", input: "zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeSHA256(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("encodeSHA256() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("encodeSHA256() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(context.Background(), Options{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("NewClient() error = nil, want missing credentials error")
	}
}

func TestPresignGetIsOffline(t *testing.T) {
	client, err := NewClient(context.Background(), Options{
		Endpoint:       "localhost:9000",
		AccessKey:      "access",
		SecretKey:      "secret",
		DisableTLS:     true,
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	url, err := client.PresignGet(context.Background(), "biopoem", "bin/biopoem", time.Hour)
	if err != nil {
		t.Fatalf("PresignGet() error = %v", err)
	}
	if !strings.HasPrefix(url, "http://localhost:9000/biopoem/bin/biopoem?") {
		t.Fatalf("PresignGet() = %q, want path-style URL on the endpoint", url)
	}
	if !strings.Contains(url, "X-Amz-Signature=") {
		t.Fatalf("PresignGet() = %q, want signature query", url)
	}
}
