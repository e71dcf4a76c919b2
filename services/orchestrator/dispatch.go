package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"biopoem/pkg/bus"
	"biopoem/services/bootstrap"
	"biopoem/services/bundler"
	"biopoem/services/materializer"
	"biopoem/services/registry"
)

// ResultsDir holds rendered tasks below the workdir.
const ResultsDir = "results"

const defaultPresignTTL = time.Hour

// DispatchOptions are the operator inputs of a dispatch run.
type DispatchOptions struct {
	Workdir       string
	HostsFile     string
	TemplateFile  string
	VariablesFile string

	Plan   bootstrap.Plan
	Policy bootstrap.Policy

	// Bundle archives the rendered tasks before bootstrapping.
	Bundle bool
	Signer *bundler.Signer
	// Bucket enables bundle upload and, with WorkerKey, a presigned
	// worker binary URL when Store is configured.
	Bucket     string
	WorkerKey  string
	PresignTTL time.Duration
}

// Dispatch renders a task for every registered host and bootstraps the
// hosts that got one. Registry, template, variables and plan errors are
// fatal, including a missing worker binary URL when none can be presigned.
// A host without a context or with a failed render is skipped.
func (o *Orchestrator) Dispatch(ctx context.Context, opts DispatchOptions) (Report, error) {
	if err := o.check(); err != nil {
		return Report{}, err
	}
	if o.Dialer == nil {
		return Report{}, errors.New("dispatch requires a dialer")
	}
	dir := workdir(opts.Workdir)

	hosts, err := registry.Read(hostsFile(opts.HostsFile, dir))
	if err != nil {
		return Report{}, err
	}
	tmpl, err := materializer.LoadTemplate(resolve(dir, opts.TemplateFile))
	if err != nil {
		return Report{}, err
	}
	vars, err := materializer.LoadVariables(resolve(dir, opts.VariablesFile))
	if err != nil {
		return Report{}, err
	}
	plan := opts.Plan
	binaryURL, err := o.workerURL(ctx, opts)
	if err != nil {
		return Report{}, err
	}
	if binaryURL != "" {
		plan.BinaryURL = binaryURL
	}
	if err := plan.Validate(); err != nil {
		return Report{}, err
	}

	report := Report{RunID: o.runID()}
	log := o.Logger.With().Str("run_id", report.RunID).Logger()

	results := filepath.Join(dir, ResultsDir)
	jobs := make([]bootstrap.Job, 0, len(hosts))
	for _, host := range hosts {
		res, err := tmpl.Materialize(results, vars, host.Hostname)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("host", host.Hostname).Msg("task not rendered, skipping host")
			report.Skipped = append(report.Skipped, host.Hostname)
		case res.Skipped:
			log.Warn().Str("host", host.Hostname).Msg("no task context for host, skipping")
			report.Skipped = append(report.Skipped, host.Hostname)
		default:
			report.Rendered = append(report.Rendered, host.Hostname)
			jobs = append(jobs, bootstrap.Job{Host: host, TaskPath: res.Path})
		}
	}
	log.Info().Int("rendered", len(report.Rendered)).Int("skipped", len(report.Skipped)).Msg("tasks materialized")

	if opts.Bundle && len(jobs) > 0 {
		report.Bundle, err = o.bundle(ctx, results, report.RunID, opts)
		if err != nil {
			return report, err
		}
	}

	b := bootstrap.New(o.Dialer, plan, o.Logger)
	report.Fleet, err = b.RunFleet(ctx, jobs, opts.Policy)

	o.publish(ctx, bus.SubjectBootstrapFinished, bootstrapFinishedEvent{
		RunID:      report.RunID,
		Hosts:      report.Fleet.Hosts,
		Launched:   report.Fleet.Launched,
		Failed:     report.Fleet.Failed,
		Skipped:    report.Fleet.Skipped,
		Bundle:     report.Bundle,
		FinishedAt: o.now().UTC(),
	})
	return report, err
}

func (o *Orchestrator) runID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return uuid.NewString()
}

// workerURL presigns the worker binary when it is hosted in the bucket.
func (o *Orchestrator) workerURL(ctx context.Context, opts DispatchOptions) (string, error) {
	if o.Store == nil || opts.Bucket == "" || opts.WorkerKey == "" {
		return "", nil
	}
	ttl := opts.PresignTTL
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	url, err := o.Store.PresignGet(ctx, opts.Bucket, opts.WorkerKey, ttl)
	if err != nil {
		return "", fmt.Errorf("presign worker binary: %w", err)
	}
	o.Logger.Info().Str("bucket", opts.Bucket).Str("key", opts.WorkerKey).Dur("ttl", ttl).Msg("worker binary presigned")
	return url, nil
}

func (o *Orchestrator) bundle(ctx context.Context, results, runID string, opts DispatchOptions) (string, error) {
	output := filepath.Join(results, bundler.FileName(runID))
	manifest, err := bundler.Build(ctx, bundler.BuildConfig{
		ResultsDir: results,
		Output:     output,
		RunID:      runID,
		Signer:     opts.Signer,
		Now:        o.now,
	})
	if err != nil {
		return "", fmt.Errorf("bundle tasks: %w", err)
	}
	o.Logger.Info().Str("bundle", output).Int("tasks", len(manifest.Tasks)).Bool("signed", manifest.Signature != "").Msg("task bundle written")

	if o.Store != nil && opts.Bucket != "" {
		key := path.Join("runs", runID, bundler.FileName(runID))
		if err := bundler.Upload(ctx, o.Store, opts.Bucket, key, output); err != nil {
			return output, err
		}
		o.Logger.Info().Str("bucket", opts.Bucket).Str("key", key).Msg("task bundle uploaded")
	}
	return output, nil
}
