package limiter

import (
	"errors"

	"github.com/AMDEPYC/cpufreq-limiter/internal/statenotifier"
)

var (
	// ErrInvalidArgument is returned for malformed input, out of range cpu ids
	// and values that are not numbers. Nothing is written for the failing field.
	ErrInvalidArgument error = errors.New("invalid argument")

	// ErrResourceUnavailable is returned when the engine cannot be started. The
	// engine stays disabled.
	ErrResourceUnavailable error = errors.New("resource unavailable")

	// ErrBackendFailure wraps errors from the frequency backend. It is logged by
	// the engine and never stops processing of other cpus.
	ErrBackendFailure error = errors.New("frequency backend failure")
)

// FrequencyBackend is the cpufreq driver interface the engine pushes bounds to.
// A zero frequency in SetFrequencyBounds leaves that bound untouched.
type FrequencyBackend interface {
	SetFrequencyBounds(cpu uint, minFreq, maxFreq uint32) error
	CurrentFrequency(cpu uint) (uint32, error)
	MinFrequency(cpu uint) (uint32, error)
	MaxFrequency(cpu uint) (uint32, error)
	HardwareMinFrequency(cpu uint) (uint32, error)
	HardwareMaxFrequency(cpu uint) (uint32, error)
	SetGovernor(cpu uint, governor string) error
	Governor(cpu uint) (string, error)
}

// PowerStateNotifier delivers power state transitions in order and never runs
// two callbacks of one subscriber at the same time.
type PowerStateNotifier interface {
	Subscribe(listener statenotifier.Listener) (statenotifier.Handle, error)
	Unsubscribe(handle statenotifier.Handle)
	Current() statenotifier.State
}

// Internal helper constants for logging
const (
	cpuLogKey       = "cpu"
	frequencyLogKey = "frequency"
	stateLogKey     = "state"
)
