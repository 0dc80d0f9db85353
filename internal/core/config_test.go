package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/subsetjobs/internal/partition"
)

func TestNewJobConfig(t *testing.T) {
	jc, err := NewJobConfig(16, "align reads.fq", ModeLocal, "", []string{"hits.tsv", "script.o", "hits.tsv", "log.txt"})
	require.NoError(t, err)
	assert.Equal(t, ".", jc.WorkDir)
	assert.Len(t, jc.Subsets, 16)
	assert.Equal(t, []string{"script.o", "script.e", "hits.tsv", "log.txt"}, jc.Aggregates)
	assert.Equal(t, "align reads.fq --subset=GT", jc.EffectiveCommand("GT"))
}

func TestNewJobConfigDefaultsMode(t *testing.T) {
	jc, err := NewJobConfig(4, "true", "", "/tmp/x", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, jc.Mode)
	assert.Equal(t, DefaultAggregates, jc.Aggregates)
}

func TestNewJobConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		jobs    int
		command string
		mode    Mode
		extra   []string
		field   string
	}{
		{"bad count", 8, "true", ModeLocal, nil, "jobs"},
		{"empty command", 4, "  ", ModeLocal, nil, "command"},
		{"unknown mode", 4, "true", "slurm", nil, "mode"},
		{"path in aggregate", 4, "true", ModeLocal, []string{"a/b"}, "output-aggregate"},
		{"empty aggregate", 4, "true", ModeLocal, []string{""}, "output-aggregate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJobConfig(tt.jobs, tt.command, tt.mode, "", tt.extra)
			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr), "got %v", err)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}

	_, err := NewJobConfig(32, "true", ModeLocal, "", nil)
	assert.True(t, errors.Is(err, partition.ErrUnsupportedJobCount))
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `shell: /bin/bash
queue:
  submit: sbatch
  args: ["--wait"]
aggregate: [counts.tsv]
ledger: /tmp/runs.db
remote:
  hosts:
    - name: n1
      ip: 10.0.0.1
      user: gx
    - ip: 10.0.0.2
      user: gx
      port: 2222
  base_dir: /scratch/jobs
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/bin/bash", cfg.Shell)
	assert.Equal(t, "sbatch", cfg.Queue.Submit)
	assert.Equal(t, []string{"--wait"}, cfg.Queue.Args)
	assert.Equal(t, []string{"counts.tsv"}, cfg.Aggregate)
	assert.Equal(t, "/tmp/runs.db", cfg.Ledger)
	require.Len(t, cfg.Remote.Hosts, 2)
	assert.Equal(t, 22, cfg.Remote.Hosts[0].Port)
	assert.Equal(t, "10.0.0.2", cfg.Remote.Hosts[1].Name)
	assert.Equal(t, 2222, cfg.Remote.Hosts[1].Port)
	assert.Equal(t, "/scratch/jobs", cfg.Remote.BaseDir)
	assert.Equal(t, 15, cfg.Remote.TimeoutSeconds)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", cfg.Shell)
	assert.Equal(t, "qsub", cfg.Queue.Submit)
	assert.Equal(t, []string{"-sync", "y", "-cwd"}, cfg.Queue.Args)
	assert.Equal(t, "subsetjobs", cfg.Remote.BaseDir)
}

func TestLoadConfigMissingExplicit(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("shell: [unterminated"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
