package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AMDEPYC/cpufreq-limiter/internal/limiter"
	"github.com/AMDEPYC/cpufreq-limiter/internal/statenotifier"
)

const (
	DefaultListenAddress  = "127.0.0.1:10003"
	DefaultMetricsAddress = ":10001"
	DefaultStateFile      = "/run/cpufreq-limiter/state"

	maxGovernorLen = 15
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Bounds are the constraints seeded into the store at start, in kHz. Zero
// leaves a bound unset.
type Bounds struct {
	SuspendMaxFreq uint32 `yaml:"suspendMaxFreq"`
	ResumeMaxFreq  uint32 `yaml:"resumeMaxFreq"`
	SuspendMinFreq uint32 `yaml:"suspendMinFreq"`
}

// Config is the daemon configuration file.
type Config struct {
	// Enabled starts the engine once the constraints are seeded.
	Enabled bool `yaml:"enabled"`
	Debug   bool `yaml:"debug"`
	// CPUs overrides topology discovery when non-zero.
	CPUs      uint   `yaml:"cpus"`
	SysfsRoot string `yaml:"sysfsRoot"`
	// StateFile is watched for power state changes. Empty keeps InitialState
	// for the lifetime of the daemon.
	StateFile      string `yaml:"stateFile"`
	InitialState   string `yaml:"initialState"`
	ListenAddress  string `yaml:"listenAddress"`
	MetricsAddress string `yaml:"metricsAddress"`
	// Governor is set on every cpu at start when not empty.
	Governor string          `yaml:"governor"`
	Defaults Bounds          `yaml:"defaults"`
	PerCPU   map[uint]Bounds `yaml:"perCPU"`
}

func Default() *Config {
	return &Config{
		StateFile:      DefaultStateFile,
		InitialState:   statenotifier.Active.String(),
		ListenAddress:  DefaultListenAddress,
		MetricsAddress: DefaultMetricsAddress,
	}
}

// Load reads a YAML configuration file on top of the defaults. Unknown keys
// are rejected.
func Load(filePath string) (*Config, error) {
	buf, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", filePath, err)
	}

	config := Default()
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// Validate checks the values that cannot be checked by the type system.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("%w: listenAddress must be set", ErrInvalidConfig)
	}
	if _, err := statenotifier.ParseState(c.InitialState); err != nil {
		return fmt.Errorf("%w: initialState: %w", ErrInvalidConfig, err)
	}
	if len(c.Governor) > maxGovernorLen {
		return fmt.Errorf("%w: governor %q longer than %d bytes", ErrInvalidConfig, c.Governor, maxGovernorLen)
	}
	if c.CPUs != 0 {
		for cpu := range c.PerCPU {
			if cpu >= c.CPUs {
				return fmt.Errorf("%w: perCPU entry for cpu %d but only %d cpus configured", ErrInvalidConfig, cpu, c.CPUs)
			}
		}
	}
	return nil
}

// State is the parsed InitialState.
func (c *Config) State() statenotifier.State {
	state, _ := statenotifier.ParseState(c.InitialState)
	return state
}

// Seed writes the default bounds to every cpu of store and then the per-cpu
// entries over them. Ceilings go in before floors so floors are clamped
// against the configured ceilings.
func (c *Config) Seed(store *limiter.ConstraintStore) error {
	for cpu := uint(0); cpu < store.Len(); cpu++ {
		if err := seedBounds(store, cpu, c.Defaults); err != nil {
			return err
		}
	}
	for cpu, bounds := range c.PerCPU {
		if err := seedBounds(store, cpu, bounds); err != nil {
			return fmt.Errorf("failed to seed perCPU entry: %w", err)
		}
	}
	return nil
}

func seedBounds(store *limiter.ConstraintStore, cpu uint, bounds Bounds) error {
	for _, b := range []struct {
		bound limiter.Bound
		value uint32
	}{
		{limiter.SuspendCeiling, bounds.SuspendMaxFreq},
		{limiter.ResumeCeiling, bounds.ResumeMaxFreq},
		{limiter.Floor, bounds.SuspendMinFreq},
	} {
		if b.value == 0 {
			continue
		}
		if _, err := store.Set(cpu, b.bound, b.value); err != nil {
			return err
		}
	}
	return nil
}
