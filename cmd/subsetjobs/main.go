package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/subsetjobs/internal/core"
	"github.com/3cpo-dev/subsetjobs/internal/telemetry"
)

var (
	version   = "1.0.0"
	commit    = ""
	buildDate = ""
)

// Exit statuses.
const (
	exitOK       = 0
	exitAbnormal = 1
	exitFatal    = 2
)

type runOptions struct {
	jobs           int
	command        string
	useQsub        bool
	remote         bool
	aggregates     []string
	workDir        string
	abortOnFailure bool
}

// Create the root command
func newRootCmd(stdout, stderr io.Writer, started *bool) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "subsetjobs -j <4|16|64> -c <command> [flags]",
		Short: "Run a command once per DNA base-prefix subset and aggregate the outputs",
		Long: "subsetjobs splits a workload into 4, 16 or 64 subsets named by base prefixes over ACGT,\n" +
			"runs the command once per subset in a directory of the same name with --subset=<prefix>\n" +
			"appended, waits for every job, then concatenates script.o*, script.e* and any\n" +
			"--output-aggregate files from all subset directories into the current directory.",
		Args:          cobra.NoArgs,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			*started = true
			return runJobs(cmd, opts, stdout, stderr)
		},
	}
	cmd.SetVersionTemplate(versionBanner())

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/subsetjobs/config.yaml)")
	cmd.PersistentFlags().String("ledger", "", "SQLite file recording runs and job exit statuses")

	cmd.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "number of subsets: 4, 16 or 64")
	cmd.Flags().StringVarP(&opts.command, "command", "c", "", "command to run; --subset=<prefix> is appended")
	cmd.Flags().BoolVarP(&opts.useQsub, "use-qsub", "q", false, "submit each subset script to the batch queue")
	cmd.Flags().BoolVar(&opts.remote, "remote", false, "run each subset on the configured SSH hosts")
	cmd.Flags().StringArrayVarP(&opts.aggregates, "output-aggregate", "o", nil, "extra output file to aggregate (repeatable)")
	cmd.Flags().StringVar(&opts.workDir, "workdir", ".", "directory holding the subset directories and aggregates")
	cmd.Flags().BoolVar(&opts.abortOnFailure, "abort-on-failure", false, "skip aggregation when any job exits non-zero")
	_ = cmd.MarkFlagRequired("jobs")
	_ = cmd.MarkFlagRequired("command")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		switch levelStr {
		case "trace":
			zerolog.SetGlobalLevel(zerolog.TraceLevel)
		case "debug":
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		case "info":
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		case "warn":
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		case "error":
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		case "fatal":
			zerolog.SetGlobalLevel(zerolog.FatalLevel)
		default:
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	}

	cmd.AddCommand(newHistoryCmd(stdout, started))
	return cmd
}

func runJobs(cmd *cobra.Command, opts *runOptions, stdout, stderr io.Writer) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	fileCfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return &core.ConfigError{Field: "config", Err: err}
	}

	mode := core.ModeLocal
	switch {
	case opts.useQsub && opts.remote:
		return &core.ConfigError{Field: "mode", Err: errors.New("--use-qsub and --remote are mutually exclusive")}
	case opts.useQsub:
		mode = core.ModeQueue
	case opts.remote:
		mode = core.ModeSSH
	}

	extra := append(append([]string{}, fileCfg.Aggregate...), opts.aggregates...)
	jc, err := core.NewJobConfig(opts.jobs, opts.command, mode, opts.workDir, extra)
	if err != nil {
		return err
	}

	reg := core.NewRegistry()
	reg.Register(core.NewLocalLauncher(fileCfg.Shell))
	reg.Register(core.NewQueueLauncher(fileCfg.Queue.Submit, fileCfg.Queue.Args, stdout, stderr))
	reg.Register(core.NewSSHLauncher(fileCfg))
	launcher, err := reg.Get(string(mode))
	if err != nil {
		return err
	}

	runner := &core.Runner{
		Config:         jc,
		Launcher:       launcher,
		Aggregator:     core.NewAggregator(fileCfg.Shell, stdout),
		Stdout:         stdout,
		Stderr:         stderr,
		Metrics:        telemetry.NewCollector(zerolog.GlobalLevel() <= zerolog.DebugLevel),
		AbortOnFailure: opts.abortOnFailure,
	}
	if path := ledgerPath(cmd, fileCfg); path != "" {
		store, err := core.NewStore(path)
		if err != nil {
			log.Warn().Err(err).Str("ledger", path).Msg("open ledger")
		} else {
			defer store.Close()
			runner.Store = store
		}
	}
	log.Debug().Int("jobs", jc.JobCount).Str("mode", string(jc.Mode)).Strs("aggregates", jc.Aggregates).Msg("starting run")
	return runner.Run(cmd.Context())
}

func ledgerPath(cmd *cobra.Command, cfg core.FileConfig) string {
	if p, _ := cmd.Flags().GetString("ledger"); p != "" {
		return p
	}
	return cfg.Ledger
}

func versionBanner() string {
	return fmt.Sprintf("subsetjobs %s (%s) %s\n", version, commit, buildDate)
}

// versionRequested reports whether --version appears before any "--".
func versionRequested(args []string) bool {
	for _, a := range args {
		if a == "--" {
			return false
		}
		if a == "--version" {
			return true
		}
	}
	return false
}

// exitCode maps a run error onto the process exit status.
func exitCode(err error) int {
	var spawn *core.SpawnError
	if errors.As(err, &spawn) {
		return exitFatal
	}
	return exitAbnormal
}

// run executes the CLI and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	// --version wins over anything else on the line, malformed flags included.
	if versionRequested(args) {
		fmt.Fprint(stdout, versionBanner())
		return exitOK
	}

	var started bool
	root := newRootCmd(stdout, stderr, &started)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		if !started && cmd != nil {
			fmt.Fprint(stderr, cmd.UsageString())
		}
		return exitCode(err)
	}
	// Usage was requested rather than a run.
	if !started && cmd != nil && (helpRequested(cmd) || cmd.Name() == "help") {
		return exitAbnormal
	}
	return exitOK
}

func helpRequested(cmd *cobra.Command) bool {
	if cmd == nil {
		return false
	}
	h, _ := cmd.Flags().GetBool("help")
	return h
}

// Setup the logger
func setupLogger(w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Main entry point
func main() {
	setupLogger(os.Stderr)
	ctx, cancel := context.WithCancel(context.Background())
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}
