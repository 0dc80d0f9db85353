package core

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
)

// MockLauncher records starts and returns canned exit codes.
type MockLauncher struct {
	started []string
	codes   map[string]int
	failOn  string
}

type mockHandle struct {
	code int
	err  error
}

func (h mockHandle) Wait() (int, error) { return h.code, h.err }

func (m *MockLauncher) Name() string { return "mock" }

func (m *MockLauncher) Describe(job *Job) string { return job.Command }

func (m *MockLauncher) Start(ctx context.Context, job *Job) (Handle, error) {
	if job.Subset == m.failOn {
		return nil, errors.New("fork failed")
	}
	m.started = append(m.started, job.Subset)
	return mockHandle{code: m.codes[job.Subset]}, nil
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func TestDispatchWritesScripts(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewJobConfig(4, "echo hi", ModeLocal, dir, nil)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	var out bytes.Buffer
	m := &MockLauncher{}
	jobs, err := NewDispatcher(m, &out).Dispatch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(jobs) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(jobs))
	}
	if strings.Join(m.started, ",") != "A,C,G,T" {
		t.Errorf("unexpected start order %v", m.started)
	}
	for _, s := range []string{"A", "C", "G", "T"} {
		b, err := os.ReadFile(filepath.Join(dir, s, ScriptName))
		if err != nil {
			t.Fatalf("read script %s: %v", s, err)
		}
		if want := "echo hi --subset=" + s + "\n"; string(b) != want {
			t.Errorf("script %s = %q, want %q", s, b, want)
		}
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 || !strings.Contains(lines[0], filepath.Join(dir, "A")) || !strings.HasSuffix(lines[0], "echo hi --subset=A") {
		t.Errorf("unexpected launch log:\n%s", out.String())
	}

	results := WaitAll(jobs)
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if err := CollectFailures(results); err != nil {
		t.Errorf("unexpected failures: %v", err)
	}
}

func TestDispatchOverwritesExistingScript(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "A"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "A", ScriptName), []byte("old contents that are longer\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, _ := NewJobConfig(4, "run", ModeLocal, dir, nil)
	jobs, err := NewDispatcher(&MockLauncher{}, &bytes.Buffer{}).Dispatch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	WaitAll(jobs)
	b, _ := os.ReadFile(filepath.Join(dir, "A", ScriptName))
	if string(b) != "run --subset=A\n" {
		t.Errorf("script not truncated: %q", b)
	}
}

func TestDispatchSpawnFailure(t *testing.T) {
	dir := t.TempDir()
	cfg, _ := NewJobConfig(4, "run", ModeLocal, dir, nil)
	m := &MockLauncher{failOn: "G"}
	var out bytes.Buffer
	jobs, err := NewDispatcher(m, &out).Dispatch(context.Background(), cfg)
	var serr *SpawnError
	if !errors.As(err, &serr) || serr.Subset != "G" {
		t.Fatalf("expected SpawnError for G, got %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected the 2 started jobs back, got %d", len(jobs))
	}
	if _, err := os.Stat(filepath.Join(dir, "T")); !os.IsNotExist(err) {
		t.Errorf("dispatch continued past the failed launch")
	}
	if n := strings.Count(out.String(), "Launching in directory"); n != 2 {
		t.Errorf("expected 2 launch lines, got %d:\n%s", n, out.String())
	}
	if strings.Contains(out.String(), filepath.Join(dir, "G")) {
		t.Errorf("failed launch was reported as launched:\n%s", out.String())
	}
}

func TestCollectFailures(t *testing.T) {
	results := []JobResult{
		{Subset: "A"},
		{Subset: "C", ExitCode: 3},
		{Subset: "G", ExitCode: -1, Err: errors.New("lost")},
		{Subset: "T"},
	}
	err := CollectFailures(results)
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("expected multierror, got %v", err)
	}
	if len(merr.Errors) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(merr.Errors))
	}
	var jerr *JobError
	if !errors.As(merr.Errors[0], &jerr) || jerr.Subset != "C" || jerr.ExitCode != 3 {
		t.Errorf("unexpected first failure %v", merr.Errors[0])
	}
	if CollectFailures(results[:1]) != nil {
		t.Errorf("expected nil for all-success results")
	}
}

func TestLocalLauncherRedirects(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	cfg, _ := NewJobConfig(4, "echo hi; echo oops >&2; exit 0 #", ModeLocal, dir, nil)
	l := NewLocalLauncher("/bin/sh")
	jobs, err := NewDispatcher(l, &bytes.Buffer{}).Dispatch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, r := range WaitAll(jobs) {
		if r.Failed() {
			t.Fatalf("job %s failed: %+v", r.Subset, r)
		}
	}
	out, _ := os.ReadFile(filepath.Join(dir, "C", "script.out"))
	if string(out) != "hi\n" {
		t.Errorf("script.out = %q", out)
	}
	errOut, _ := os.ReadFile(filepath.Join(dir, "C", "script.err"))
	if string(errOut) != "oops\n" {
		t.Errorf("script.err = %q", errOut)
	}
}

func TestLocalLauncherExitCode(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	cfg, _ := NewJobConfig(4, "exit 7 #", ModeLocal, dir, nil)
	jobs, err := NewDispatcher(NewLocalLauncher(""), &bytes.Buffer{}).Dispatch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, r := range WaitAll(jobs) {
		if r.ExitCode != 7 || r.Err != nil {
			t.Errorf("job %s: exit %d err %v", r.Subset, r.ExitCode, r.Err)
		}
	}
}

func TestQueueLauncherDescribe(t *testing.T) {
	q := NewQueueLauncher("qsub", []string{"-sync", "y", "-cwd"}, nil, nil)
	if got := q.Describe(&Job{Subset: "A"}); got != "qsub -sync y -cwd script" {
		t.Errorf("describe = %q", got)
	}
	if q.Name() != "qsub" {
		t.Errorf("name = %q", q.Name())
	}
}

func TestQueueLauncherRunsSubmitterInSubsetDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	cfg, _ := NewJobConfig(4, "ignored", ModeQueue, dir, nil)
	// Stand-in submitter: copy the script to script.o1 in the cwd.
	q := NewQueueLauncher("/bin/sh", []string{"-c", `cp "$1" "$1.o1"`, "submit"}, nil, nil)
	jobs, err := NewDispatcher(q, &bytes.Buffer{}).Dispatch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := CollectFailures(WaitAll(jobs)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "T", "script.o1"))
	if err != nil || string(b) != "ignored --subset=T\n" {
		t.Errorf("script.o1 = %q, %v", b, err)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewLocalLauncher(""))
	if _, err := reg.Get("local"); err != nil {
		t.Fatalf("get local: %v", err)
	}
	if _, err := reg.Get("qsub"); err == nil {
		t.Fatalf("expected error for unregistered launcher")
	}
}
