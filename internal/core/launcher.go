package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Handle is a started job. Wait blocks until the job exits and returns its exit
// status; err is only set when the status could not be determined.
type Handle interface {
	Wait() (exitCode int, err error)
}

// Launcher starts one subset job without waiting for it.
type Launcher interface {
	Name() string
	// Describe returns the command line Start will run, for display.
	Describe(job *Job) string
	Start(ctx context.Context, job *Job) (Handle, error)
}

// Registry maps launch modes to launchers.
type Registry struct {
	launchers map[string]Launcher
}

func NewRegistry() *Registry {
	return &Registry{launchers: map[string]Launcher{}}
}

func (r *Registry) Register(l Launcher) {
	r.launchers[l.Name()] = l
}

func (r *Registry) Get(name string) (Launcher, error) {
	l, ok := r.launchers[name]
	if !ok {
		return nil, fmt.Errorf("launcher not registered: %s", name)
	}
	return l, nil
}

// procHandle waits on a local child process.
type procHandle struct {
	cmd *exec.Cmd
}

func (h *procHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode(), nil
	}
	return -1, err
}

// LocalLauncher runs the effective command through a shell in the subset
// directory, with stdout and stderr sent to script.out and script.err.
type LocalLauncher struct {
	Shell string
}

func NewLocalLauncher(shell string) *LocalLauncher {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &LocalLauncher{Shell: shell}
}

func (l *LocalLauncher) Name() string { return string(ModeLocal) }

func (l *LocalLauncher) Describe(job *Job) string {
	return job.Command + " >script.out 2>script.err"
}

func (l *LocalLauncher) Start(ctx context.Context, job *Job) (Handle, error) {
	stdout, err := os.Create(filepath.Join(job.Dir, "script.out"))
	if err != nil {
		return nil, fmt.Errorf("create stdout file: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(job.Dir, "script.err"))
	if err != nil {
		return nil, fmt.Errorf("create stderr file: %w", err)
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, l.Shell, "-c", job.Command)
	cmd.Dir = job.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &procHandle{cmd: cmd}, nil
}

// QueueLauncher submits the subset's script file to a batch queue. The submitter
// is expected to block until the queued job finishes and to write its own
// script.o*/script.e* files.
type QueueLauncher struct {
	Submit string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

func NewQueueLauncher(submit string, args []string, stdout, stderr io.Writer) *QueueLauncher {
	return &QueueLauncher{Submit: submit, Args: args, Stdout: stdout, Stderr: stderr}
}

func (q *QueueLauncher) Name() string { return string(ModeQueue) }

func (q *QueueLauncher) argv() []string {
	argv := make([]string, 0, len(q.Args)+1)
	argv = append(argv, q.Args...)
	return append(argv, ScriptName)
}

func (q *QueueLauncher) Describe(job *Job) string {
	return strings.Join(append([]string{q.Submit}, q.argv()...), " ")
}

func (q *QueueLauncher) Start(ctx context.Context, job *Job) (Handle, error) {
	cmd := exec.CommandContext(ctx, q.Submit, q.argv()...)
	cmd.Dir = job.Dir
	cmd.Stdout = q.Stdout
	cmd.Stderr = q.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &procHandle{cmd: cmd}, nil
}
