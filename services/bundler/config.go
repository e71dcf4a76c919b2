package bundler

import (
	"context"
	"io"
	"time"
)

// BuildConfig configures bundle creation.
type BuildConfig struct {
	// ResultsDir holds <hostname>/dag.factfile entries.
	ResultsDir string
	Output     string
	RunID      string
	// Signer is optional; without it the manifest is left unsigned.
	Signer *Signer
	Now    func() time.Time
	Stdout io.Writer
}

// Uploader stores a bundle in object storage.
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}
