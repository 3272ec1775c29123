package cpufreq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

const (
	DefaultSysfsRoot = "/sys/devices/system/cpu"

	scalingMinFreq  = "scaling_min_freq"
	scalingMaxFreq  = "scaling_max_freq"
	scalingCurFreq  = "scaling_cur_freq"
	cpuinfoMinFreq  = "cpuinfo_min_freq"
	cpuinfoMaxFreq  = "cpuinfo_max_freq"
	scalingGovernor = "scaling_governor"
	availGovernors  = "scaling_available_governors"
)

// ErrGovernorUnavailable is returned when the requested governor is not listed
// in scaling_available_governors.
var ErrGovernorUnavailable error = errors.New("governor not available")

// SysfsBackend drives the cpufreq policy of each cpu through
// <root>/cpu<N>/cpufreq. Frequencies are in kHz.
type SysfsBackend struct {
	root string
	log  logr.Logger
}

func NewSysfsBackend(root string, log logr.Logger) *SysfsBackend {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &SysfsBackend{root: root, log: log}
}

func (b *SysfsBackend) path(cpu uint, resource string) string {
	return filepath.Join(b.root, fmt.Sprintf("cpu%d", cpu), "cpufreq", resource)
}

func (b *SysfsBackend) readString(cpu uint, resource string) (string, error) {
	data, err := os.ReadFile(b.path(cpu, resource))
	if err != nil {
		return "", fmt.Errorf("failed to read %s for cpu %d: %w", resource, cpu, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (b *SysfsBackend) readFrequency(cpu uint, resource string) (uint32, error) {
	freqStr, err := b.readString(cpu, resource)
	if err != nil {
		return 0, err
	}

	freq, err := strconv.ParseUint(freqStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to convert %s for cpu %d to uint: %w", resource, cpu, err)
	}
	return uint32(freq), nil
}

func (b *SysfsBackend) write(cpu uint, resource, value string) error {
	if err := os.WriteFile(b.path(cpu, resource), []byte(value), 0644); err != nil {
		return fmt.Errorf("failed to write %s for cpu %d: %w", resource, cpu, err)
	}
	return nil
}

// SetFrequencyBounds writes the non-zero bounds. When both are given the
// write order keeps min <= max at every step.
func (b *SysfsBackend) SetFrequencyBounds(cpu uint, minFreq, maxFreq uint32) error {
	writeMin := func() error {
		return b.write(cpu, scalingMinFreq, strconv.FormatUint(uint64(minFreq), 10))
	}
	writeMax := func() error {
		return b.write(cpu, scalingMaxFreq, strconv.FormatUint(uint64(maxFreq), 10))
	}

	steps := make([]func() error, 0, 2)
	switch {
	case minFreq != 0 && maxFreq != 0:
		currentMax, err := b.MaxFrequency(cpu)
		if err == nil && minFreq > currentMax {
			steps = append(steps, writeMax, writeMin)
		} else {
			steps = append(steps, writeMin, writeMax)
		}
	case minFreq != 0:
		steps = append(steps, writeMin)
	case maxFreq != 0:
		steps = append(steps, writeMax)
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	b.log.V(5).Info("frequency bounds written", "cpu", cpu, "min", minFreq, "max", maxFreq)
	return nil
}

func (b *SysfsBackend) CurrentFrequency(cpu uint) (uint32, error) {
	return b.readFrequency(cpu, scalingCurFreq)
}

func (b *SysfsBackend) MinFrequency(cpu uint) (uint32, error) {
	return b.readFrequency(cpu, scalingMinFreq)
}

func (b *SysfsBackend) MaxFrequency(cpu uint) (uint32, error) {
	return b.readFrequency(cpu, scalingMaxFreq)
}

func (b *SysfsBackend) HardwareMinFrequency(cpu uint) (uint32, error) {
	return b.readFrequency(cpu, cpuinfoMinFreq)
}

func (b *SysfsBackend) HardwareMaxFrequency(cpu uint) (uint32, error) {
	return b.readFrequency(cpu, cpuinfoMaxFreq)
}

// AvailableGovernors lists the governors the cpufreq driver offers for cpu.
func (b *SysfsBackend) AvailableGovernors(cpu uint) ([]string, error) {
	governors, err := b.readString(cpu, availGovernors)
	if err != nil {
		return nil, err
	}
	return strings.Fields(governors), nil
}

// SetGovernor selects governor for cpu. When the driver publishes its governor
// list, names outside it are refused before writing.
func (b *SysfsBackend) SetGovernor(cpu uint, governor string) error {
	if available, err := b.AvailableGovernors(cpu); err == nil {
		found := false
		for _, name := range available {
			if name == governor {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %q for cpu %d (available: %s)", ErrGovernorUnavailable, governor, cpu, strings.Join(available, " "))
		}
	}

	if err := b.write(cpu, scalingGovernor, governor); err != nil {
		return err
	}
	b.log.V(5).Info("governor written", "cpu", cpu, "governor", governor)
	return nil
}

func (b *SysfsBackend) Governor(cpu uint) (string, error) {
	return b.readString(cpu, scalingGovernor)
}
