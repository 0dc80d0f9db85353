package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// ScriptName is the file each subset directory gets its command written to.
const ScriptName = "script"

// Job is one dispatched subset.
type Job struct {
	Subset  string
	Dir     string
	Script  string
	Command string

	// Aggregates are the output names collected after the run; launchers that
	// run the job elsewhere bring matching files back into Dir.
	Aggregates []string

	done chan JobResult
}

// watch reaps the job in the background so each duration ends when the job
// exits, not when WaitAll gets to it.
func (j *Job) watch(h Handle, started time.Time) {
	j.done = make(chan JobResult, 1)
	go func() {
		code, err := h.Wait()
		j.done <- JobResult{Subset: j.Subset, ExitCode: code, Duration: time.Since(started), Err: err}
	}()
}

// JobResult is the outcome of one job.
type JobResult struct {
	Subset   string
	ExitCode int
	Duration time.Duration
	Err      error
}

func (r JobResult) Failed() bool { return r.Err != nil || r.ExitCode != 0 }

// JobError describes a failed job.
type JobError struct {
	Subset   string
	ExitCode int
	Err      error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job %s: %v", e.Subset, e.Err)
	}
	return fmt.Sprintf("job %s exited with status %d", e.Subset, e.ExitCode)
}

func (e *JobError) Unwrap() error { return e.Err }

// SpawnError means a job or aggregation process could not be started.
type SpawnError struct {
	Subset string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Subset, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Dispatcher prepares subset directories and starts one job per subset.
type Dispatcher struct {
	launcher Launcher
	out      io.Writer
}

func NewDispatcher(l Launcher, out io.Writer) *Dispatcher {
	return &Dispatcher{launcher: l, out: out}
}

// Prepare creates the subset directory and writes its script file.
func (d *Dispatcher) Prepare(cfg *JobConfig, subset string) (*Job, error) {
	dir := filepath.Join(cfg.WorkDir, subset)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	job := &Job{
		Subset:     subset,
		Dir:        dir,
		Script:     filepath.Join(dir, ScriptName),
		Command:    cfg.EffectiveCommand(subset),
		Aggregates: cfg.Aggregates,
	}
	if err := os.WriteFile(job.Script, []byte(job.Command+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	return job, nil
}

// Dispatch starts every subset job in generator order. On a launch failure it
// stops and returns the jobs already running together with a *SpawnError; the
// caller still has to wait for those.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg *JobConfig) ([]*Job, error) {
	jobs := make([]*Job, 0, len(cfg.Subsets))
	for _, subset := range cfg.Subsets {
		job, err := d.Prepare(cfg, subset)
		if err != nil {
			return jobs, &SpawnError{Subset: subset, Err: err}
		}
		started := time.Now()
		h, err := d.launcher.Start(ctx, job)
		if err != nil {
			return jobs, &SpawnError{Subset: subset, Err: err}
		}
		fmt.Fprintf(d.out, "Launching in directory %s: %s\n", job.Dir, d.launcher.Describe(job))
		job.watch(h, started)
		log.Debug().Str("subset", subset).Str("launcher", d.launcher.Name()).Msg("job started")
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// WaitAll blocks until every job has exited and returns their results in
// dispatch order.
func WaitAll(jobs []*Job) []JobResult {
	results := make([]JobResult, 0, len(jobs))
	for _, j := range jobs {
		var res JobResult
		if j.done == nil {
			res = JobResult{Subset: j.Subset, ExitCode: -1, Err: errors.New("job was never started")}
		} else {
			res = <-j.done
		}
		log.Debug().Str("subset", j.Subset).Int("exit_code", res.ExitCode).Dur("duration", res.Duration).Msg("job finished")
		results = append(results, res)
	}
	return results
}

// CollectFailures folds every failed result into one error, or returns nil.
func CollectFailures(results []JobResult) error {
	var merr *multierror.Error
	for _, r := range results {
		if r.Failed() {
			merr = multierror.Append(merr, &JobError{Subset: r.Subset, ExitCode: r.ExitCode, Err: r.Err})
		}
	}
	return merr.ErrorOrNil()
}
