package bundler

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
)

func writeTasks(t *testing.T, dir string, tasks map[string]string) {
	t.Helper()
	for host, body := range tasks {
		if err := os.MkdirAll(filepath.Join(dir, host), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, host, "dag.factfile"), []byte(body), 0o644); err != nil {
			t.Fatalf("write task: %v", err)
		}
	}
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity() error = %v", err)
	}
	signer, err := NewSigner(identity.String(), "")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	if signer.Recipient() != identity.Recipient().String() {
		t.Fatalf("Recipient() = %q, want %q", signer.Recipient(), identity.Recipient().String())
	}
	return signer
}

func TestBuildAndVerify(t *testing.T) {
	results := t.TempDir()
	writeTasks(t, results, map[string]string{
		"biopoem001": `{"name":"a"}`,
		"biopoem002": `{"name":"b"}`,
	})
	// Files other than rendered tasks are left out.
	if err := os.WriteFile(filepath.Join(results, "biopoem001", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	signer := newTestSigner(t)
	output := filepath.Join(t.TempDir(), FileName("run-1"))
	var stdout bytes.Buffer
	manifest, err := Build(context.Background(), BuildConfig{
		ResultsDir: results,
		Output:     output,
		RunID:      "run-1",
		Signer:     signer,
		Now:        func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) },
		Stdout:     &stdout,
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(manifest.Tasks) != 2 {
		t.Fatalf("manifest has %d tasks, want 2", len(manifest.Tasks))
	}
	if manifest.Tasks[0].Host != "biopoem001" || manifest.Tasks[0].Path != "biopoem001/dag.factfile" {
		t.Fatalf("first task = %+v", manifest.Tasks[0])
	}
	if manifest.Signature == "" || manifest.SigningPublicKey != signer.PublicKeyBase64() {
		t.Fatalf("manifest not signed: %+v", manifest)
	}
	if !strings.Contains(stdout.String(), "2 tasks") {
		t.Fatalf("stdout = %q", stdout.String())
	}

	got, err := Verify(context.Background(), output, signer)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.RunID != "run-1" || !got.CreatedAt.Equal(manifest.CreatedAt) {
		t.Fatalf("Verify() manifest = %+v", got)
	}
}

func TestVerifyRejectsOtherSigner(t *testing.T) {
	results := t.TempDir()
	writeTasks(t, results, map[string]string{"biopoem001": "task"})
	output := filepath.Join(t.TempDir(), "b.tar.zst")
	if _, err := Build(context.Background(), BuildConfig{ResultsDir: results, Output: output, RunID: "r", Signer: newTestSigner(t)}); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := Verify(context.Background(), output, newTestSigner(t)); err == nil {
		t.Fatalf("Verify() error = nil, want unexpected key")
	}
}

func TestVerifyUnsignedBundle(t *testing.T) {
	results := t.TempDir()
	writeTasks(t, results, map[string]string{"biopoem001": "task"})
	output := filepath.Join(t.TempDir(), "b.tar.zst")
	if _, err := Build(context.Background(), BuildConfig{ResultsDir: results, Output: output, RunID: "r"}); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := Verify(context.Background(), output, nil); err != nil {
		t.Fatalf("Verify(nil signer) error = %v", err)
	}
	if _, err := Verify(context.Background(), output, newTestSigner(t)); err == nil {
		t.Fatalf("Verify() error = nil, want missing signature")
	}
}

func TestBuildErrors(t *testing.T) {
	empty := t.TempDir()
	tests := []struct {
		name string
		cfg  BuildConfig
	}{
		{name: "missing results dir", cfg: BuildConfig{Output: "x", RunID: "r"}},
		{name: "missing output", cfg: BuildConfig{ResultsDir: empty, RunID: "r"}},
		{name: "missing run id", cfg: BuildConfig{ResultsDir: empty, Output: filepath.Join(empty, "x")}},
		{name: "no tasks", cfg: BuildConfig{ResultsDir: empty, Output: filepath.Join(empty, "x"), RunID: "r"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build(context.Background(), tt.cfg); err == nil {
				t.Fatalf("Build() error = nil, want error")
			}
		})
	}
}

func TestNewSigner(t *testing.T) {
	signer := newTestSigner(t)

	verifyOnly, err := NewSigner("", signer.PublicKeyBase64())
	if err != nil {
		t.Fatalf("NewSigner(pub) error = %v", err)
	}
	sig, err := signer.Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := verifyOnly.Verify([]byte("payload"), sig, ""); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := verifyOnly.Verify([]byte("tampered"), sig, ""); err == nil {
		t.Fatalf("Verify(tampered) error = nil")
	}
	if _, err := verifyOnly.Sign([]byte("payload")); err == nil {
		t.Fatalf("Sign() on verify-only signer error = nil")
	}

	if _, err := NewSigner("", ""); err == nil {
		t.Fatalf("NewSigner(empty) error = nil")
	}
	if _, err := NewSigner("not-a-key", ""); err == nil {
		t.Fatalf("NewSigner(garbage) error = nil")
	}
	other := newTestSigner(t)
	identity, _ := age.GenerateX25519Identity()
	if _, err := NewSigner(identity.String(), other.PublicKeyBase64()); err == nil {
		t.Fatalf("NewSigner(mismatched) error = nil")
	}
}

type recordingUploader struct {
	bucket, key, sum string
	size             int64
	body             []byte
}

func (u *recordingUploader) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, sum string) error {
	u.bucket, u.key, u.size, u.sum = bucket, key, size, sum
	var err error
	u.body, err = io.ReadAll(r)
	return err
}

func TestUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.tar.zst")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	up := &recordingUploader{}
	if err := Upload(context.Background(), up, "bucket", "runs/bundle.tar.zst", path); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	const abc = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if up.bucket != "bucket" || up.key != "runs/bundle.tar.zst" || up.size != 3 || up.sum != abc || string(up.body) != "abc" {
		t.Fatalf("uploader got %+v", up)
	}
}
