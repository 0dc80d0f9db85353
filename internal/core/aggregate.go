package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./+=:@%,-]+$`)

// shellQuote returns s unchanged when it has no shell metacharacters and
// single-quotes it otherwise.
func shellQuote(s string) string {
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// AggregateCommand builds the shell pipeline concatenating <subset>/<name>*
// for every subset, in order, into <name>.
func AggregateCommand(subsets []string, name string) string {
	var b strings.Builder
	b.WriteString("cat")
	for _, s := range subsets {
		b.WriteByte(' ')
		b.WriteString(shellQuote(s + "/" + name))
		b.WriteByte('*')
	}
	b.WriteString(" > ")
	b.WriteString(shellQuote(name))
	return b.String()
}

// Aggregator concatenates per-subset output files into the work directory.
type Aggregator struct {
	Shell string
	Out   io.Writer
}

func NewAggregator(shell string, out io.Writer) *Aggregator {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Aggregator{Shell: shell, Out: out}
}

// Run starts one concatenation per aggregate name and waits for all of them.
// Globs that match nothing yield a short or empty aggregate without error.
func (a *Aggregator) Run(ctx context.Context, cfg *JobConfig) error {
	var g errgroup.Group
	var spawnErr error
	for _, name := range cfg.Aggregates {
		line := AggregateCommand(cfg.Subsets, name)
		fmt.Fprintln(a.Out, line)
		cmd := exec.CommandContext(ctx, a.Shell, "-c", line)
		cmd.Dir = cfg.WorkDir
		if err := cmd.Start(); err != nil {
			spawnErr = &SpawnError{Subset: name, Err: err}
			break
		}
		name := name
		g.Go(func() error {
			err := cmd.Wait()
			var exit *exec.ExitError
			if errors.As(err, &exit) {
				log.Debug().Str("file", name).Int("exit_code", exit.ExitCode()).Msg("aggregation exited non-zero")
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil && spawnErr == nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	if spawnErr != nil {
		return spawnErr
	}

	for _, name := range cfg.Aggregates {
		if st, err := os.Stat(filepath.Join(cfg.WorkDir, name)); err == nil {
			log.Debug().Str("file", name).Str("size", humanize.Bytes(uint64(st.Size()))).Msg("aggregate written")
		}
	}
	return nil
}
