// Package orchestrator wires the provisioning and dispatch flows together.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"biopoem/services/bootstrap"
	"biopoem/services/provisioner"
)

// Publisher sends lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// ObjectStore is the subset of *s3.Client used for bundles and the worker binary.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Orchestrator runs the fleet flows. Only Logger is required; the other
// collaborators are optional and enable extra behaviour when set.
type Orchestrator struct {
	Logger zerolog.Logger

	// Runner replaces the subprocess runner used for the IaC engine.
	Runner provisioner.Runner
	// Terraform is the engine binary, "terraform" when empty.
	Terraform string

	// Dialer opens host sessions during dispatch.
	Dialer bootstrap.Dialer
	Bus    Publisher
	Store  ObjectStore

	Now   func() time.Time
	NewID func() string
}

// New returns an Orchestrator logging through logger.
func New(logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{Logger: logger.With().Str("component", "orchestrator").Logger()}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) publish(ctx context.Context, subj string, v any) {
	if o.Bus == nil {
		return
	}
	if err := o.Bus.Publish(ctx, subj, v); err != nil {
		o.Logger.Warn().Err(err).Str("subject", subj).Msg("publish event")
	}
}

func (o *Orchestrator) check() error {
	if o == nil {
		return errors.New("nil orchestrator")
	}
	return nil
}

// resolve joins rel onto dir unless rel is already absolute.
func resolve(dir, rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(dir, rel)
}
