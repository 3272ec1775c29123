package limiter

import (
	"fmt"
	"sync/atomic"
)

// Bound selects one of the three per-cpu constraints.
type Bound int

const (
	SuspendCeiling Bound = iota
	ResumeCeiling
	Floor
)

func (b Bound) String() string {
	switch b {
	case SuspendCeiling:
		return "suspend ceiling"
	case ResumeCeiling:
		return "resume ceiling"
	case Floor:
		return "floor"
	}
	return fmt.Sprintf("bound(%d)", int(b))
}

// CoreConstraint holds the frequency bounds of one cpu in kHz. Zero means the
// bound is not set and the backend is left alone for it.
type CoreConstraint struct {
	SuspendCeiling uint32
	ResumeCeiling  uint32
	Floor          uint32
}

func (c CoreConstraint) Get(bound Bound) uint32 {
	switch bound {
	case SuspendCeiling:
		return c.SuspendCeiling
	case ResumeCeiling:
		return c.ResumeCeiling
	case Floor:
		return c.Floor
	}
	return 0
}

// with returns a copy of c with bound set to value, clamped against the
// opposing bounds already in c. Zero is stored unchanged.
func (c CoreConstraint) with(bound Bound, value uint32) CoreConstraint {
	if value != 0 {
		switch bound {
		case Floor:
			if c.ResumeCeiling != 0 && value > c.ResumeCeiling {
				value = c.ResumeCeiling
			}
			if c.SuspendCeiling != 0 && value > c.SuspendCeiling {
				value = c.SuspendCeiling
			}
		case ResumeCeiling, SuspendCeiling:
			if value < c.Floor {
				value = c.Floor
			}
		}
	}

	switch bound {
	case SuspendCeiling:
		c.SuspendCeiling = value
	case ResumeCeiling:
		c.ResumeCeiling = value
	case Floor:
		c.Floor = value
	}
	return c
}

// ConstraintStore is the table of per-cpu constraints. Each entry is replaced
// as a whole, so readers always see a value that some writer committed.
type ConstraintStore struct {
	cpus []atomic.Pointer[CoreConstraint]
}

func NewConstraintStore(numCPUs uint) (*ConstraintStore, error) {
	if numCPUs == 0 {
		return nil, fmt.Errorf("%w: constraint store needs at least one cpu", ErrInvalidArgument)
	}

	store := &ConstraintStore{
		cpus: make([]atomic.Pointer[CoreConstraint], numCPUs),
	}
	for cpu := range store.cpus {
		store.cpus[cpu].Store(&CoreConstraint{})
	}

	return store, nil
}

// Len returns the number of cpus in the store.
func (s *ConstraintStore) Len() uint {
	return uint(len(s.cpus))
}

func (s *ConstraintStore) validateCPU(cpu uint) error {
	if cpu >= s.Len() {
		return fmt.Errorf("%w: cpu %d out of range [0, %d)", ErrInvalidArgument, cpu, s.Len())
	}
	return nil
}

func (s *ConstraintStore) Get(cpu uint) (CoreConstraint, error) {
	if err := s.validateCPU(cpu); err != nil {
		return CoreConstraint{}, err
	}
	return *s.cpus[cpu].Load(), nil
}

// Snapshot returns the constraints of every cpu, indexed by cpu id.
func (s *ConstraintStore) Snapshot() []CoreConstraint {
	out := make([]CoreConstraint, len(s.cpus))
	for cpu := range s.cpus {
		out[cpu] = *s.cpus[cpu].Load()
	}
	return out
}

// Set writes one bound of one cpu and returns the committed constraint. The
// value may be adjusted so that the floor never exceeds a set ceiling.
func (s *ConstraintStore) Set(cpu uint, bound Bound, value uint32) (CoreConstraint, error) {
	if err := s.validateCPU(cpu); err != nil {
		return CoreConstraint{}, err
	}

	entry := &s.cpus[cpu]
	for {
		current := entry.Load()
		next := current.with(bound, value)
		if entry.CompareAndSwap(current, &next) {
			return next, nil
		}
	}
}

func (s *ConstraintStore) SetFloor(cpu uint, value uint32) (CoreConstraint, error) {
	return s.Set(cpu, Floor, value)
}

func (s *ConstraintStore) SetResumeCeiling(cpu uint, value uint32) (CoreConstraint, error) {
	return s.Set(cpu, ResumeCeiling, value)
}

func (s *ConstraintStore) SetSuspendCeiling(cpu uint, value uint32) (CoreConstraint, error) {
	return s.Set(cpu, SuspendCeiling, value)
}
