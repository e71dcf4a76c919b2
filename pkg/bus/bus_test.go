package bus

import (
	"context"
	"testing"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	if err := b.Publish(context.Background(), SubjectFleetStatus, map[string]string{"status": "Running"}); err == nil {
		t.Fatalf("Publish() error = nil, want nil bus error")
	}
	b.Close()
}

func TestNewUnreachable(t *testing.T) {
	if _, err := New("nats://127.0.0.1:1"); err == nil {
		t.Fatalf("New() error = nil, want connection error")
	}
}
