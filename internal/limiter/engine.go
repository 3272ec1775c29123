package limiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/AMDEPYC/cpufreq-limiter/internal/statenotifier"
)

const (
	VersionMajor = 4
	VersionMinor = 0
)

// LifecycleState is the engine's position in its enable/disable cycle.
type LifecycleState int32

const (
	Disabled LifecycleState = iota
	Starting
	Enabled
	Stopping
)

func (s LifecycleState) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Starting:
		return "starting"
	case Enabled:
		return "enabled"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("lifecycle(%d)", int32(s))
}

var _ manager.Runnable = &Engine{}

// Engine applies the constraints in its store to the frequency backend on
// every power state transition while enabled. It is created disabled.
type Engine struct {
	store    *ConstraintStore
	backend  FrequencyBackend
	notifier PowerStateNotifier
	applier  *applier
	log      logr.Logger
	debug    atomic.Bool

	// lifecycleMu serializes Enable and Disable.
	lifecycleMu  sync.Mutex
	state        atomic.Int32
	subscription statenotifier.Handle
}

func NewEngine(store *ConstraintStore, backend FrequencyBackend, notifier PowerStateNotifier, log logr.Logger) *Engine {
	e := &Engine{
		store:    store,
		backend:  backend,
		notifier: notifier,
		log:      log,
	}
	e.applier = &applier{
		store:    store,
		backend:  backend,
		notifier: notifier,
		trace:    e.trace,
	}

	return e
}

// trace returns the logger for per-cpu detail, promoted to default verbosity
// while debug is on.
func (e *Engine) trace() logr.Logger {
	if e.debug.Load() {
		return e.log
	}
	return e.log.V(5)
}

func (e *Engine) Store() *ConstraintStore {
	return e.store
}

func (e *Engine) Backend() FrequencyBackend {
	return e.backend
}

func (e *Engine) PowerState() statenotifier.State {
	return e.notifier.Current()
}

func (e *Engine) State() LifecycleState {
	return LifecycleState(e.state.Load())
}

func (e *Engine) setState(state LifecycleState) {
	e.log.V(5).Info("lifecycle transition", "from", e.State(), "to", state)
	e.state.Store(int32(state))
}

func (e *Engine) Enabled() bool {
	return e.State() == Enabled
}

func (e *Engine) SetDebug(debug bool) {
	e.debug.Store(debug)
}

func (e *Engine) Debug() bool {
	return e.debug.Load()
}

// Enable subscribes to power state notifications, creates the per-cpu locks
// and applies every stored ceiling and floor. It is a no-op when enabled. On
// subscription failure the engine stays disabled.
func (e *Engine) Enable() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.State() == Enabled {
		return nil
	}
	e.setState(Starting)

	handle, err := e.notifier.Subscribe(e.onPowerStateChange)
	if err != nil {
		e.setState(Disabled)
		e.log.Error(err, "failed to register power state callback")
		return fmt.Errorf("%w: failed to subscribe to power state notifications: %w", ErrResourceUnavailable, err)
	}
	e.subscription = handle
	e.applier.initLocks()
	e.setState(Enabled)
	e.log.Info("frequency limiter enabled", "cpus", e.store.Len(), stateLogKey, e.notifier.Current())

	if err := e.applier.applyAll(true); err != nil {
		e.log.Error(err, "failed to apply some constraints on start")
	}

	return nil
}

// Disable unsubscribes from notifications, waiting for a running callback, and
// drops the per-cpu locks once in-flight pushes finish. It is a no-op when
// disabled. Stored constraints are kept.
func (e *Engine) Disable() {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.State() == Disabled {
		return
	}
	e.setState(Stopping)

	e.notifier.Unsubscribe(e.subscription)
	e.subscription = 0
	e.applier.destroyLocks()

	e.setState(Disabled)
	e.log.Info("frequency limiter disabled")
}

// Close stops the engine if it is running.
func (e *Engine) Close() {
	e.Disable()
}

// Start blocks until ctx is done and then stops the engine, so it can run
// next to the other daemon components.
func (e *Engine) Start(ctx context.Context) error {
	<-ctx.Done()
	e.log.V(4).Info("stopping frequency limiter")
	e.Close()

	return nil
}

func (e *Engine) onPowerStateChange(state statenotifier.State) {
	switch state {
	case statenotifier.Active, statenotifier.Suspended:
	default:
		e.trace().Info("ignoring power state", stateLogKey, state)
		return
	}

	if !e.Enabled() {
		return
	}

	e.trace().Info("power state changed, applying constraints", stateLogKey, state)
	if err := e.applier.applyAll(false); err != nil {
		e.log.Error(err, "failed to apply some constraints", stateLogKey, state)
	}
}

// ApplyMax pushes the ceiling in force for cpu. It does nothing while the
// engine is not enabled.
func (e *Engine) ApplyMax(cpu uint) error {
	return e.applier.applyMax(cpu, e.notifier.Current())
}

// ApplyMin pushes the floor of cpu. It does nothing while the engine is not
// enabled.
func (e *Engine) ApplyMin(cpu uint) error {
	return e.applier.applyMin(cpu, e.notifier.Current())
}

// ApplyAll runs the same pass as a power state transition.
func (e *Engine) ApplyAll() error {
	return e.applier.applyAll(false)
}
