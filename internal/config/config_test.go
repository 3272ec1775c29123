package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMDEPYC/cpufreq-limiter/internal/limiter"
	"github.com/AMDEPYC/cpufreq-limiter/internal/statenotifier"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "limiter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
enabled: true
cpus: 4
stateFile: /tmp/power-state
governor: schedutil
defaults:
  resumeMaxFreq: 1800000
  suspendMaxFreq: 1000000
perCPU:
  2:
    suspendMinFreq: 600000
`)
	config, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.True(t, config.Enabled)
	assert.False(t, config.Debug)
	assert.Equal(t, uint(4), config.CPUs)
	assert.Equal(t, "/tmp/power-state", config.StateFile)
	assert.Equal(t, "schedutil", config.Governor)
	assert.Equal(t, Bounds{SuspendMaxFreq: 1000000, ResumeMaxFreq: 1800000}, config.Defaults)
	assert.Equal(t, map[uint]Bounds{2: {SuspendMinFreq: 600000}}, config.PerCPU)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultListenAddress, config.ListenAddress)
	assert.Equal(t, DefaultMetricsAddress, config.MetricsAddress)
	assert.Equal(t, statenotifier.Active, config.State())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "turbo: true\n"))
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = Load(writeConfig(t, "cpus: -1\n"))
	assert.Error(t, err)

	config, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), config)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
	}{
		{name: "no listen address", modify: func(c *Config) { c.ListenAddress = "" }},
		{name: "bad initial state", modify: func(c *Config) { c.InitialState = "hibernate" }},
		{name: "long governor", modify: func(c *Config) { c.Governor = "averyveryverylonggovernor" }},
		{name: "per cpu out of range", modify: func(c *Config) {
			c.CPUs = 2
			c.PerCPU = map[uint]Bounds{2: {ResumeMaxFreq: 1}}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			config := Default()
			tc.modify(config)
			assert.ErrorIs(t, config.Validate(), ErrInvalidConfig)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestSeed(t *testing.T) {
	store, err := limiter.NewConstraintStore(3)
	require.NoError(t, err)

	config := Default()
	config.Defaults = Bounds{SuspendMaxFreq: 1000000, ResumeMaxFreq: 1800000, SuspendMinFreq: 2000000}
	config.PerCPU = map[uint]Bounds{1: {ResumeMaxFreq: 1500000, SuspendMinFreq: 500000}}
	require.NoError(t, config.Seed(store))

	snapshot := store.Snapshot()
	// default floor is clamped below both default ceilings
	assert.Equal(t, limiter.CoreConstraint{SuspendCeiling: 1000000, ResumeCeiling: 1800000, Floor: 1000000}, snapshot[0])
	assert.Equal(t, limiter.CoreConstraint{SuspendCeiling: 1000000, ResumeCeiling: 1500000, Floor: 500000}, snapshot[1])
	assert.Equal(t, snapshot[0], snapshot[2])

	config.PerCPU = map[uint]Bounds{3: {ResumeMaxFreq: 1}}
	assert.ErrorIs(t, config.Seed(store), limiter.ErrInvalidArgument)
}
