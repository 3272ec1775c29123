package limiter

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/AMDEPYC/cpufreq-limiter/internal/statenotifier"
)

// applier pushes stored constraints to the backend. Every push for a cpu runs
// under that cpu's lock, and the constraint is read inside the lock, so pushes
// reach the backend in the order their snapshots were taken.
type applier struct {
	store    *ConstraintStore
	backend  FrequencyBackend
	notifier PowerStateNotifier
	trace    func() logr.Logger

	// locksMu guards the lock table, not the cpus. A nil table means the engine
	// is not running and every apply is a no-op.
	locksMu sync.RWMutex
	locks   []sync.Mutex
}

func (a *applier) initLocks() {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()

	a.locks = make([]sync.Mutex, a.store.Len())
}

// destroyLocks waits for in-flight pushes before dropping the table.
func (a *applier) destroyLocks() {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()

	a.locks = nil
}

func (a *applier) lockCount() int {
	a.locksMu.RLock()
	defer a.locksMu.RUnlock()

	return len(a.locks)
}

func (a *applier) withCPULock(cpu uint, fn func() error) error {
	a.locksMu.RLock()
	defer a.locksMu.RUnlock()

	if a.locks == nil {
		return nil
	}
	if cpu >= uint(len(a.locks)) {
		return fmt.Errorf("%w: cpu %d out of range [0, %d)", ErrInvalidArgument, cpu, len(a.locks))
	}

	a.locks[cpu].Lock()
	defer a.locks[cpu].Unlock()

	return fn()
}

// applyMax pushes the ceiling of state. An unset ceiling leaves the backend
// untouched.
func (a *applier) applyMax(cpu uint, state statenotifier.State) error {
	return a.withCPULock(cpu, func() error {
		constraint, err := a.store.Get(cpu)
		if err != nil {
			return err
		}

		maxFreq := constraint.ResumeCeiling
		if state == statenotifier.Suspended {
			maxFreq = constraint.SuspendCeiling
		}
		if maxFreq == 0 {
			return nil
		}

		a.trace().Info("setting max frequency", cpuLogKey, cpu, frequencyLogKey, maxFreq, stateLogKey, state)
		if err := a.backend.SetFrequencyBounds(cpu, 0, maxFreq); err != nil {
			return fmt.Errorf("%w: failed to set max frequency %d for cpu %d: %w", ErrBackendFailure, maxFreq, cpu, err)
		}
		return nil
	})
}

// applyMin pushes the floor. While suspended a floor above the suspend ceiling
// is skipped so the floor never exceeds the ceiling in force.
func (a *applier) applyMin(cpu uint, state statenotifier.State) error {
	return a.withCPULock(cpu, func() error {
		constraint, err := a.store.Get(cpu)
		if err != nil {
			return err
		}

		minFreq := constraint.Floor
		if minFreq == 0 {
			return nil
		}

		if state == statenotifier.Suspended && minFreq > constraint.SuspendCeiling {
			a.trace().Info("floor above suspend ceiling, not applied",
				cpuLogKey, cpu, frequencyLogKey, minFreq, "suspendCeiling", constraint.SuspendCeiling)
			return nil
		}

		a.trace().Info("setting min frequency", cpuLogKey, cpu, frequencyLogKey, minFreq, stateLogKey, state)
		if err := a.backend.SetFrequencyBounds(cpu, minFreq, 0); err != nil {
			return fmt.Errorf("%w: failed to set min frequency %d for cpu %d: %w", ErrBackendFailure, minFreq, cpu, err)
		}
		return nil
	})
}

// applyAll pushes ceilings for every cpu. Floors are pushed only while
// suspended unless withFloors is set; on resume the floor is left to whatever
// boosts the cpu. A failing cpu does not stop the others. The power state is
// read once, so the whole pass follows the same state.
func (a *applier) applyAll(withFloors bool) error {
	state := a.notifier.Current()
	suspended := state == statenotifier.Suspended

	errs := make([]error, 0)
	for cpu := uint(0); cpu < a.store.Len(); cpu++ {
		if err := a.applyMax(cpu, state); err != nil {
			errs = append(errs, err)
		}

		if withFloors || suspended {
			if err := a.applyMin(cpu, state); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return utilerrors.NewAggregate(errs)
}
