package core

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	gssh "github.com/3cpo-dev/subsetjobs/internal/ssh"
)

// SSHLauncher runs subset jobs on remote hosts, assigned round-robin in
// dispatch order. The script is pushed over SFTP, run under the remote shell,
// and its script.out/script.err plus any files matching the job's aggregate
// names are pulled back into the local subset directory.
type SSHLauncher struct {
	Hosts      []RemoteHost
	BaseDir    string
	Shell      string
	KeyPath    string
	KnownHosts string
	Timeout    time.Duration
	Retries    int

	mu      sync.Mutex
	next    int
	loaded  bool
	signer  xssh.Signer
	hostKey xssh.HostKeyCallback
}

func NewSSHLauncher(cfg FileConfig) *SSHLauncher {
	return &SSHLauncher{
		Hosts:      cfg.Remote.Hosts,
		BaseDir:    cfg.Remote.BaseDir,
		Shell:      cfg.Shell,
		KeyPath:    cfg.Remote.KeyPath,
		KnownHosts: cfg.Remote.KnownHosts,
		Timeout:    time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
		Retries:    cfg.Remote.Retries,
	}
}

func (l *SSHLauncher) Name() string { return string(ModeSSH) }

// RemoteDir is where a subset's files live on its host.
func (l *SSHLauncher) RemoteDir(subset string) string {
	return path.Join(l.BaseDir, subset)
}

// RemoteCommand is the command line run on the host for a subset.
func (l *SSHLauncher) RemoteCommand(subset string) string {
	return fmt.Sprintf("cd %s && %s %s >script.out 2>script.err",
		shellQuote(l.RemoteDir(subset)), shellQuote(l.Shell), ScriptName)
}

func (l *SSHLauncher) Describe(job *Job) string {
	return l.RemoteCommand(job.Subset)
}

// pick returns the host for the next job. Dispatch is sequential, so hosts
// are used in configuration order.
func (l *SSHLauncher) pick() (RemoteHost, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Hosts) == 0 {
		return RemoteHost{}, errors.New("no remote hosts configured")
	}
	h := l.Hosts[l.next%len(l.Hosts)]
	l.next++
	return h, nil
}

func (l *SSHLauncher) credentials() (xssh.Signer, xssh.HostKeyCallback, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		signer, err := gssh.LoadPrivateKeySigner(l.KeyPath)
		if err != nil {
			return nil, nil, err
		}
		kh, err := gssh.LoadKnownHostsCallback(l.KnownHosts)
		if err != nil {
			return nil, nil, fmt.Errorf("load known hosts: %w", err)
		}
		l.signer, l.hostKey, l.loaded = signer, kh, true
	}
	return l.signer, l.hostKey, nil
}

// Start connects to the job's host before returning, so unreachable hosts fail
// dispatch like a local spawn failure would.
func (l *SSHLauncher) Start(ctx context.Context, job *Job) (Handle, error) {
	host, err := l.pick()
	if err != nil {
		return nil, err
	}
	signer, kh, err := l.credentials()
	if err != nil {
		return nil, err
	}
	c := &gssh.Client{
		Addr:       fmt.Sprintf("%s:%d", host.IP, host.Port),
		User:       host.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    l.Timeout,
		Retries:    l.Retries,
		Backoff:    500 * time.Millisecond,
	}
	cli, err := gssh.Dial(ctx, c)
	if err != nil {
		return nil, err
	}
	h := &remoteHandle{done: make(chan remoteResult, 1)}
	go func() {
		defer cli.Close()
		code, err := l.execute(ctx, cli, job)
		h.done <- remoteResult{code: code, err: err}
	}()
	log.Debug().Str("subset", job.Subset).Str("host", host.Name).Msg("remote job started")
	return h, nil
}

func (l *SSHLauncher) execute(ctx context.Context, cli *xssh.Client, job *Job) (int, error) {
	remoteDir := l.RemoteDir(job.Subset)
	if err := gssh.PushFile(ctx, cli, job.Script, path.Join(remoteDir, ScriptName)); err != nil {
		return -1, fmt.Errorf("push script: %w", err)
	}
	code, err := gssh.Run(ctx, cli, l.RemoteCommand(job.Subset))
	if err != nil {
		return code, err
	}
	pulled := map[string]bool{}
	for _, name := range []string{"script.out", "script.err"} {
		if err := gssh.PullFile(ctx, cli, path.Join(remoteDir, name), filepath.Join(job.Dir, name)); err != nil {
			return code, fmt.Errorf("pull %s: %w", name, err)
		}
		pulled[name] = true
	}
	// Bring back what the aggregator will glob for locally.
	for _, agg := range job.Aggregates {
		matches, err := gssh.Glob(ctx, cli, gssh.EscapeGlob(path.Join(remoteDir, agg))+"*")
		if err != nil {
			return code, fmt.Errorf("list %s: %w", agg, err)
		}
		for _, m := range matches {
			name := path.Base(m)
			if pulled[name] {
				continue
			}
			if err := gssh.PullFile(ctx, cli, m, filepath.Join(job.Dir, name)); err != nil {
				return code, fmt.Errorf("pull %s: %w", name, err)
			}
			pulled[name] = true
		}
	}
	return code, nil
}

type remoteResult struct {
	code int
	err  error
}

type remoteHandle struct {
	done chan remoteResult
}

func (h *remoteHandle) Wait() (int, error) {
	r := <-h.done
	return r.code, r.err
}
