package bootstrap

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"biopoem/services/registry"
)

// DefaultConcurrency bounds simultaneous SSH sessions.
const DefaultConcurrency = 8

// Job is one host and the local path of its rendered task.
type Job struct {
	Host     registry.Host
	TaskPath string
}

// Policy controls fan-out and failure handling across the fleet.
type Policy struct {
	Concurrency int
	// FailFast stops starting new hosts after the first failure.
	FailFast bool
	// MaxFailures is the number of failed hosts tolerated before the run
	// reports an error.
	MaxFailures int
}

// FleetResult holds per-host results in job order.
type FleetResult struct {
	Hosts    []HostResult `json:"hosts"`
	Launched int          `json:"launched"`
	Failed   int          `json:"failed"`
	Skipped  int          `json:"skipped"`
	firstErr error
}

// RunFleet bootstraps every job, at most Policy.Concurrency at a time. Each
// host is attempted independently; the returned error is non-nil when more
// than Policy.MaxFailures hosts failed.
func (b *Bootstrapper) RunFleet(ctx context.Context, jobs []Job, policy Policy) (FleetResult, error) {
	if err := b.Plan.Validate(); err != nil {
		return FleetResult{}, err
	}
	limit := policy.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	results := make([]HostResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, job := range jobs {
		g.Go(func() error {
			if policy.FailFast && gctx.Err() != nil {
				results[i] = HostResult{Hostname: job.Host.Hostname, Address: job.Host.Address(), Skipped: true}
				return nil
			}
			results[i] = b.Bootstrap(ctx, job.Host, job.TaskPath)
			if policy.FailFast && results[i].Err != nil {
				return results[i].Err
			}
			return nil
		})
	}
	_ = g.Wait()

	fr := FleetResult{Hosts: results}
	for _, r := range results {
		switch {
		case r.Skipped:
			fr.Skipped++
		case r.Err != nil:
			fr.Failed++
			if fr.firstErr == nil {
				fr.firstErr = r.Err
			}
		case r.Launched:
			fr.Launched++
		}
	}

	event := b.Logger.Info()
	if fr.Failed > 0 {
		event = b.Logger.Warn()
	}
	event.Int("hosts", len(jobs)).Int("launched", fr.Launched).Int("failed", fr.Failed).Int("skipped", fr.Skipped).Msg("fleet bootstrap finished")

	if fr.Failed > policy.MaxFailures {
		return fr, fmt.Errorf("%d of %d hosts failed to bootstrap: %w", fr.Failed, len(jobs), fr.firstErr)
	}
	return fr, nil
}
