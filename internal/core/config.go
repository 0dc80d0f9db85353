package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/subsetjobs/internal/partition"
)

// Mode selects how subset jobs are launched.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeQueue Mode = "qsub"
	ModeSSH   Mode = "ssh"
)

// DefaultAggregates are the fixed aggregate names, always collected first.
var DefaultAggregates = []string{"script.o", "script.e"}

// RemoteHost is an SSH target for the ssh launcher.
type RemoteHost struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	User string `yaml:"user"`
	Port int    `yaml:"port"`
}

// FileConfig is the optional YAML configuration file.
type FileConfig struct {
	Shell string `yaml:"shell"`
	Queue struct {
		Submit string   `yaml:"submit"`
		Args   []string `yaml:"args"`
	} `yaml:"queue"`
	Aggregate []string `yaml:"aggregate"`
	Ledger    string   `yaml:"ledger"`
	Remote    struct {
		Hosts          []RemoteHost `yaml:"hosts"`
		BaseDir        string       `yaml:"base_dir"`
		KeyPath        string       `yaml:"key_path"`
		KnownHosts     string       `yaml:"known_hosts"`
		Retries        int          `yaml:"retries"`
		TimeoutSeconds int          `yaml:"timeout_seconds"`
	} `yaml:"remote"`
}

func (c *FileConfig) applyDefaults() {
	if c.Shell == "" {
		c.Shell = "/bin/sh"
	}
	if c.Queue.Submit == "" {
		c.Queue.Submit = "qsub"
		if c.Queue.Args == nil {
			c.Queue.Args = []string{"-sync", "y", "-cwd"}
		}
	}
	if c.Remote.BaseDir == "" {
		c.Remote.BaseDir = "subsetjobs"
	}
	if c.Remote.TimeoutSeconds <= 0 {
		c.Remote.TimeoutSeconds = 15
	}
	home, _ := os.UserHomeDir()
	if c.Remote.KeyPath == "" {
		c.Remote.KeyPath = filepath.Join(home, ".ssh", "id_ed25519")
	}
	if c.Remote.KnownHosts == "" {
		c.Remote.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}
	for i := range c.Remote.Hosts {
		if c.Remote.Hosts[i].Port == 0 {
			c.Remote.Hosts[i].Port = 22
		}
		if c.Remote.Hosts[i].Name == "" {
			c.Remote.Hosts[i].Name = c.Remote.Hosts[i].IP
		}
	}
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/subsetjobs/config.yaml or
// ~/.config/subsetjobs/config.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "subsetjobs", "config.yaml")
}

// LoadConfig reads YAML configuration from a path. If path is empty the default
// location is tried and a missing file there yields the defaults.
func LoadConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// ConfigError is a configuration problem detected before any job starts.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// JobConfig is the validated description of one run. Build it with NewJobConfig.
type JobConfig struct {
	JobCount   int
	Command    string
	Mode       Mode
	WorkDir    string
	Aggregates []string
	Subsets    []string
}

// NewJobConfig validates its inputs and resolves the subset list and the full
// ordered aggregate list (fixed names, then extra, first occurrence wins).
func NewJobConfig(jobCount int, command string, mode Mode, workDir string, extra []string) (*JobConfig, error) {
	subsets, err := partition.Subsets(jobCount)
	if err != nil {
		return nil, &ConfigError{Field: "jobs", Err: err}
	}
	if strings.TrimSpace(command) == "" {
		return nil, &ConfigError{Field: "command", Err: errors.New("must not be empty")}
	}
	switch mode {
	case ModeLocal, ModeQueue, ModeSSH:
	case "":
		mode = ModeLocal
	default:
		return nil, &ConfigError{Field: "mode", Err: fmt.Errorf("unknown launch mode %q", mode)}
	}
	if workDir == "" {
		workDir = "."
	}

	names := make([]string, 0, len(DefaultAggregates)+len(extra))
	seen := map[string]bool{}
	for _, n := range append(append([]string{}, DefaultAggregates...), extra...) {
		if n == "" || strings.ContainsRune(n, '/') {
			return nil, &ConfigError{Field: "output-aggregate", Err: fmt.Errorf("invalid file name %q", n)}
		}
		// Two concatenations into one file would race.
		if seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}

	return &JobConfig{
		JobCount:   jobCount,
		Command:    command,
		Mode:       mode,
		WorkDir:    workDir,
		Aggregates: names,
		Subsets:    subsets,
	}, nil
}

// EffectiveCommand appends the subset selector to the command template.
func (c *JobConfig) EffectiveCommand(subset string) string {
	return c.Command + " --subset=" + subset
}
