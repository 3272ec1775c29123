package testutils

import (
	"fmt"
	"sync"

	"github.com/intel/power-optimization-library/pkg/power"
	"github.com/stretchr/testify/mock"

	"github.com/AMDEPYC/cpufreq-limiter/internal/statenotifier"
)

// MockBackend is a testify mock of the frequency backend.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) SetFrequencyBounds(cpu uint, minFreq, maxFreq uint32) error {
	return m.Called(cpu, minFreq, maxFreq).Error(0)
}

func (m *MockBackend) CurrentFrequency(cpu uint) (uint32, error) {
	args := m.Called(cpu)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockBackend) MinFrequency(cpu uint) (uint32, error) {
	args := m.Called(cpu)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockBackend) MaxFrequency(cpu uint) (uint32, error) {
	args := m.Called(cpu)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockBackend) HardwareMinFrequency(cpu uint) (uint32, error) {
	args := m.Called(cpu)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockBackend) HardwareMaxFrequency(cpu uint) (uint32, error) {
	args := m.Called(cpu)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockBackend) SetGovernor(cpu uint, governor string) error {
	return m.Called(cpu, governor).Error(0)
}

func (m *MockBackend) Governor(cpu uint) (string, error) {
	args := m.Called(cpu)
	return args.String(0), args.Error(1)
}

// BoundsCall is one SetFrequencyBounds call seen by RecordingBackend.
type BoundsCall struct {
	CPU uint
	Min uint32
	Max uint32
}

type cpuState struct {
	min, max, cur uint32
	governor      string
}

// RecordingBackend is an in-memory backend that keeps the live bounds of every
// cpu and records each SetFrequencyBounds call in order.
type RecordingBackend struct {
	mu       sync.Mutex
	cpus     []cpuState
	calls    []BoundsCall
	hwMin    uint32
	hwMax    uint32
	failCPUs map[uint]error

	// Governors lists the names SetGovernor accepts. Empty accepts any.
	Governors []string
}

func NewRecordingBackend(numCPUs uint, hwMin, hwMax uint32) *RecordingBackend {
	b := &RecordingBackend{
		cpus:     make([]cpuState, numCPUs),
		hwMin:    hwMin,
		hwMax:    hwMax,
		failCPUs: make(map[uint]error),
	}
	for i := range b.cpus {
		b.cpus[i] = cpuState{min: hwMin, max: hwMax, cur: hwMin, governor: "schedutil"}
	}
	return b
}

// FailCPU makes every call for cpu return err. A nil err clears the failure.
func (b *RecordingBackend) FailCPU(cpu uint, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failCPUs, cpu)
		return
	}
	b.failCPUs[cpu] = err
}

func (b *RecordingBackend) check(cpu uint) error {
	if cpu >= uint(len(b.cpus)) {
		return fmt.Errorf("cpu %d does not exist", cpu)
	}
	return b.failCPUs[cpu]
}

func (b *RecordingBackend) SetFrequencyBounds(cpu uint, minFreq, maxFreq uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(cpu); err != nil {
		return err
	}
	b.calls = append(b.calls, BoundsCall{CPU: cpu, Min: minFreq, Max: maxFreq})
	if minFreq != 0 {
		b.cpus[cpu].min = minFreq
	}
	if maxFreq != 0 {
		b.cpus[cpu].max = maxFreq
	}
	return nil
}

func (b *RecordingBackend) read(cpu uint, field func(cpuState) uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(cpu); err != nil {
		return 0, err
	}
	return field(b.cpus[cpu]), nil
}

func (b *RecordingBackend) CurrentFrequency(cpu uint) (uint32, error) {
	return b.read(cpu, func(s cpuState) uint32 { return s.cur })
}

func (b *RecordingBackend) MinFrequency(cpu uint) (uint32, error) {
	return b.read(cpu, func(s cpuState) uint32 { return s.min })
}

func (b *RecordingBackend) MaxFrequency(cpu uint) (uint32, error) {
	return b.read(cpu, func(s cpuState) uint32 { return s.max })
}

func (b *RecordingBackend) HardwareMinFrequency(cpu uint) (uint32, error) {
	return b.read(cpu, func(cpuState) uint32 { return b.hwMin })
}

func (b *RecordingBackend) HardwareMaxFrequency(cpu uint) (uint32, error) {
	return b.read(cpu, func(cpuState) uint32 { return b.hwMax })
}

func (b *RecordingBackend) SetGovernor(cpu uint, governor string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(cpu); err != nil {
		return err
	}
	if len(b.Governors) > 0 {
		known := false
		for _, g := range b.Governors {
			known = known || g == governor
		}
		if !known {
			return fmt.Errorf("governor %q not available", governor)
		}
	}
	b.cpus[cpu].governor = governor
	return nil
}

func (b *RecordingBackend) Governor(cpu uint) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(cpu); err != nil {
		return "", err
	}
	return b.cpus[cpu].governor, nil
}

// SetCurrent sets the value CurrentFrequency reports for cpu.
func (b *RecordingBackend) SetCurrent(cpu uint, freq uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cpus[cpu].cur = freq
}

// Calls returns a copy of the recorded SetFrequencyBounds calls.
func (b *RecordingBackend) Calls() []BoundsCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BoundsCall(nil), b.calls...)
}

// CallsFor returns the recorded calls for one cpu.
func (b *RecordingBackend) CallsFor(cpu uint) []BoundsCall {
	out := make([]BoundsCall, 0)
	for _, call := range b.Calls() {
		if call.CPU == cpu {
			out = append(out, call)
		}
	}
	return out
}

func (b *RecordingBackend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// FakeNotifier is a synchronous power state notifier. Fire runs the listeners
// on the calling goroutine.
type FakeNotifier struct {
	mu           sync.Mutex
	state        statenotifier.State
	listeners    map[statenotifier.Handle]statenotifier.Listener
	next         statenotifier.Handle
	subscribes   int
	unsubscribes int

	// SubscribeErr, when set, is returned by Subscribe.
	SubscribeErr error
}

func NewFakeNotifier(state statenotifier.State) *FakeNotifier {
	return &FakeNotifier{
		state:     state,
		listeners: make(map[statenotifier.Handle]statenotifier.Listener),
	}
}

func (n *FakeNotifier) Subscribe(listener statenotifier.Listener) (statenotifier.Handle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.SubscribeErr != nil {
		return 0, n.SubscribeErr
	}
	n.next++
	n.subscribes++
	n.listeners[n.next] = listener
	return n.next, nil
}

func (n *FakeNotifier) Unsubscribe(handle statenotifier.Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[handle]; ok {
		n.unsubscribes++
		delete(n.listeners, handle)
	}
}

func (n *FakeNotifier) Current() statenotifier.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetState changes the current state without notifying.
func (n *FakeNotifier) SetState(state statenotifier.State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = state
}

// Fire sets the current state and calls every listener with it.
func (n *FakeNotifier) Fire(state statenotifier.State) {
	n.mu.Lock()
	n.state = state
	listeners := make([]statenotifier.Listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		listeners = append(listeners, l)
	}
	n.mu.Unlock()

	for _, l := range listeners {
		l(state)
	}
}

// Listeners returns the number of active subscriptions.
func (n *FakeNotifier) Listeners() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

// Counts returns how many times Subscribe succeeded and Unsubscribe removed a
// listener.
func (n *FakeNotifier) Counts() (subscribes, unsubscribes int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscribes, n.unsubscribes
}

type MockHost struct {
	mock.Mock
	power.Host
}

func (m *MockHost) GetName() string {
	return m.Called().String(0)
}

func (m *MockHost) GetFeaturesInfo() power.FeatureSet {
	ret := m.Called().Get(0)
	if ret == nil {
		return nil
	} else {
		return ret.(power.FeatureSet)
	}
}

func (m *MockHost) GetAllCpus() *power.CpuList {
	ret := m.Called().Get(0)
	if ret == nil {
		return nil
	} else {
		return ret.(*power.CpuList)
	}
}

type MockCPU struct {
	mock.Mock
	power.Cpu
}

func (m *MockCPU) GetID() uint {
	return m.Called().Get(0).(uint)
}

func MakeCPUList(mockedCPUs ...*MockCPU) power.CpuList {
	cpuList := power.CpuList{}
	for _, mockedCPU := range mockedCPUs {
		cpuList = append(cpuList, mockedCPU)
	}

	return cpuList
}
