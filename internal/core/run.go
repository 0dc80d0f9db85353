package core

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/subsetjobs/internal/telemetry"
)

// ErrAborted is returned when aggregation was skipped because jobs failed.
var ErrAborted = errors.New("aggregation skipped after job failures")

// Runner drives one run: dispatch, wait, aggregate, wait.
type Runner struct {
	Config     *JobConfig
	Launcher   Launcher
	Aggregator *Aggregator
	Stdout     io.Writer
	Stderr     io.Writer

	// Store and Metrics are optional.
	Store   *Store
	Metrics *telemetry.Collector

	// AbortOnFailure skips aggregation when any job exits non-zero.
	AbortOnFailure bool
}

// Run returns nil when every job succeeded. Job failures come back as a
// *multierror.Error of *JobError after aggregation has run, launch failures as
// a *SpawnError.
func (r *Runner) Run(ctx context.Context) error {
	runID := r.begin(ctx)
	defer r.Metrics.FlushMetrics()
	labels := map[string]string{"mode": string(r.Config.Mode)}

	jobs, spawnErr := NewDispatcher(r.Launcher, r.Stdout).Dispatch(ctx, r.Config)
	results := WaitAll(jobs)
	for _, res := range results {
		r.Metrics.Timer("subsetjobs_job_duration", res.Duration, map[string]string{"subset": res.Subset, "mode": string(r.Config.Mode)})
		if res.Failed() {
			r.Metrics.Counter("subsetjobs_job_failed", 1, labels)
		}
		r.recordJob(ctx, runID, res)
	}
	if spawnErr != nil {
		r.finish(ctx, runID, RunSpawnFailed)
		return spawnErr
	}

	failures := CollectFailures(results)
	if failures != nil {
		for _, res := range results {
			if res.Failed() {
				fmt.Fprintf(r.Stderr, "WARNING: %v\n", &JobError{Subset: res.Subset, ExitCode: res.ExitCode, Err: res.Err})
			}
		}
		if r.AbortOnFailure {
			r.finish(ctx, runID, RunAborted)
			return fmt.Errorf("%w: %v", ErrAborted, failures)
		}
	}

	if err := r.Aggregator.Run(ctx, r.Config); err != nil {
		r.finish(ctx, runID, RunSpawnFailed)
		return err
	}
	fmt.Fprintln(r.Stdout, "Done")

	if failures != nil {
		r.finish(ctx, runID, RunJobsFailed)
	} else {
		r.finish(ctx, runID, RunSucceeded)
	}
	return failures
}

func (r *Runner) begin(ctx context.Context) string {
	if r.Store == nil {
		return ""
	}
	id, err := r.Store.BeginRun(ctx, r.Config)
	if err != nil {
		log.Warn().Err(err).Msg("ledger unavailable, run will not be recorded")
		r.Store = nil
		return ""
	}
	log.Debug().Str("run_id", id).Msg("run recorded")
	return id
}

func (r *Runner) recordJob(ctx context.Context, runID string, res JobResult) {
	if r.Store == nil {
		return
	}
	if err := r.Store.RecordJob(ctx, runID, res); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("record job")
	}
}

func (r *Runner) finish(ctx context.Context, runID, status string) {
	if r.Store == nil {
		return
	}
	if err := r.Store.FinishRun(ctx, runID, status); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("finish run")
	}
}
