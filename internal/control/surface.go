package control

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/AMDEPYC/cpufreq-limiter/internal/limiter"
)

const (
	EnabledAttr         = "enabled"
	DebugMaskAttr       = "debug_mask"
	SuspendMaxFreqAttr  = "suspend_max_freq"
	ResumeMaxFreqAttr   = "resume_max_freq"
	SuspendMinFreqAttr  = "suspend_min_freq"
	ScalingGovernorAttr = "scaling_governor"
	LiveMaxFreqAttr     = "live_max_freq"
	LiveMinFreqAttr     = "live_min_freq"
	LiveCurFreqAttr     = "live_cur_freq"
	VersionAttr         = "version"

	// rendered for a cpu whose live value cannot be read, e.g. while offline
	unreadableGovernor = "-"
)

var (
	ErrUnknownAttribute = errors.New("unknown attribute")
	ErrReadOnly         = errors.New("attribute is read-only")
)

type attribute struct {
	read  func() (string, error)
	write func(input string) error
}

// Surface is the operator facing attribute set of an engine. Every attribute
// is a named text endpoint that can be read and, unless read-only, written.
type Surface struct {
	engine  *limiter.Engine
	numCPUs uint
	attrs   map[string]attribute
	log     logr.Logger
}

func NewSurface(engine *limiter.Engine, log logr.Logger) *Surface {
	s := &Surface{
		engine:  engine,
		numCPUs: engine.Store().Len(),
		attrs:   make(map[string]attribute),
		log:     log,
	}

	s.attrs[EnabledAttr] = attribute{read: s.readEnabled, write: s.writeEnabled}
	s.attrs[DebugMaskAttr] = attribute{read: s.readDebug, write: s.writeDebug}
	s.attrs[VersionAttr] = attribute{read: func() (string, error) {
		return fmt.Sprintf("version: %d.%d\n", limiter.VersionMajor, limiter.VersionMinor), nil
	}}

	for name, bound := range map[string]limiter.Bound{
		SuspendMaxFreqAttr: limiter.SuspendCeiling,
		ResumeMaxFreqAttr:  limiter.ResumeCeiling,
		SuspendMinFreqAttr: limiter.Floor,
	} {
		s.addPerCPU(name, s.boundAccessor(bound))
	}
	s.addPerCPU(ScalingGovernorAttr, perCPUAccessor[string]{
		get:   s.governor,
		parse: parseGovernor,
		set:   s.setGovernor,
	})
	for name, read := range map[string]func(uint) (uint32, error){
		LiveMaxFreqAttr: engine.Backend().MaxFrequency,
		LiveMinFreqAttr: engine.Backend().MinFrequency,
		LiveCurFreqAttr: engine.Backend().CurrentFrequency,
	} {
		s.addPerCPU(name, s.liveAccessor(name, read))
	}

	return s
}

// perCPUAccessor reads and writes one value of one cpu. A nil set makes the
// attribute read-only.
type perCPUAccessor[T any] struct {
	get   func(cpu uint) string
	parse func(token string) (T, error)
	set   func(cpu uint, value T)
}

// perCPUAttribute is implemented by perCPUAccessor for every value type.
type perCPUAttribute interface {
	broadcast(s *Surface) attribute
	single(cpu uint) attribute
}

func (a perCPUAccessor[T]) broadcast(s *Surface) attribute {
	attr := attribute{read: func() (string, error) {
		var sb strings.Builder
		for cpu := uint(0); cpu < s.numCPUs; cpu++ {
			if cpu > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%d:%s", cpu, a.get(cpu))
		}
		sb.WriteByte('\n')
		return sb.String(), nil
	}}
	if a.set == nil {
		return attr
	}

	attr.write = func(input string) error {
		return forEachUpdate(input, s.numCPUs, a.parse, func(u update[T]) {
			if !u.broadcast {
				a.set(u.cpu, u.value)
				return
			}
			for cpu := uint(0); cpu < s.numCPUs; cpu++ {
				a.set(cpu, u.value)
			}
		})
	}
	return attr
}

func (a perCPUAccessor[T]) single(cpu uint) attribute {
	attr := attribute{read: func() (string, error) {
		return a.get(cpu) + "\n", nil
	}}
	if a.set == nil {
		return attr
	}

	attr.write = func(input string) error {
		value, err := parseSingle(input, a.parse)
		if err != nil {
			return err
		}
		a.set(cpu, value)
		return nil
	}
	return attr
}

// addPerCPU registers name for all cpus and name_<cpu> for each of them.
func (s *Surface) addPerCPU(name string, accessor perCPUAttribute) {
	s.attrs[name] = accessor.broadcast(s)
	for cpu := uint(0); cpu < s.numCPUs; cpu++ {
		s.attrs[fmt.Sprintf("%s_%d", name, cpu)] = accessor.single(cpu)
	}
}

func (s *Surface) boundAccessor(bound limiter.Bound) perCPUAccessor[uint32] {
	return perCPUAccessor[uint32]{
		get: func(cpu uint) string {
			constraint, err := s.engine.Store().Get(cpu)
			if err != nil {
				return "0"
			}
			return strconv.FormatUint(uint64(constraint.Get(bound)), 10)
		},
		parse: parseFrequency,
		set: func(cpu uint, value uint32) {
			stored, err := s.engine.Store().Set(cpu, bound, value)
			if err != nil {
				s.log.Error(err, "failed to store constraint", "cpu", cpu, "bound", bound)
				return
			}
			s.log.V(4).Info("constraint stored", "cpu", cpu, "bound", bound, "requested", value, "stored", stored.Get(bound))

			if !s.engine.Enabled() {
				return
			}
			apply := s.engine.ApplyMax
			if bound == limiter.Floor {
				apply = s.engine.ApplyMin
			}
			if err := apply(cpu); err != nil {
				s.log.Error(err, "failed to apply constraint", "cpu", cpu, "bound", bound)
			}
		},
	}
}

func (s *Surface) liveAccessor(name string, read func(uint) (uint32, error)) perCPUAccessor[uint32] {
	return perCPUAccessor[uint32]{
		get: func(cpu uint) string {
			freq, err := read(cpu)
			if err != nil {
				s.log.V(4).Info("live frequency unavailable", "attribute", name, "cpu", cpu, "error", err.Error())
				return "0"
			}
			return strconv.FormatUint(uint64(freq), 10)
		},
	}
}

func (s *Surface) governor(cpu uint) string {
	governor, err := s.engine.Backend().Governor(cpu)
	if err != nil {
		s.log.V(4).Info("governor unavailable", "cpu", cpu, "error", err.Error())
		return unreadableGovernor
	}
	return governor
}

func (s *Surface) setGovernor(cpu uint, governor string) {
	if err := s.engine.Backend().SetGovernor(cpu, governor); err != nil {
		s.log.Error(err, "failed to set governor", "cpu", cpu, "governor", governor)
		return
	}
	s.log.V(4).Info("governor set", "cpu", cpu, "governor", governor)
}

func formatSwitch(on bool) string {
	if on {
		return "1\n"
	}
	return "0\n"
}

func (s *Surface) readEnabled() (string, error) {
	return formatSwitch(s.engine.Enabled()), nil
}

func (s *Surface) writeEnabled(input string) error {
	enable, err := parseSwitch(input)
	if err != nil {
		return err
	}
	if !enable {
		s.engine.Disable()
		return nil
	}
	return s.engine.Enable()
}

func (s *Surface) readDebug() (string, error) {
	return formatSwitch(s.engine.Debug()), nil
}

func (s *Surface) writeDebug(input string) error {
	debug, err := parseSwitch(input)
	if err != nil {
		return err
	}
	s.engine.SetDebug(debug)
	return nil
}

func (s *Surface) lookup(name string) (attribute, error) {
	attr, ok := s.attrs[name]
	if !ok {
		return attribute{}, fmt.Errorf("%w: %q", ErrUnknownAttribute, name)
	}
	return attr, nil
}

// Attributes lists every attribute name in lexical order.
func (s *Surface) Attributes() []string {
	names := make([]string, 0, len(s.attrs))
	for name := range s.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Writable reports whether name exists and accepts writes.
func (s *Surface) Writable(name string) bool {
	attr, ok := s.attrs[name]
	return ok && attr.write != nil
}

func (s *Surface) Read(name string) (string, error) {
	attr, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	return attr.read()
}

// Write hands input to the attribute and returns the number of bytes consumed,
// which is all of input on success.
func (s *Surface) Write(name, input string) (int, error) {
	attr, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	if attr.write == nil {
		return 0, fmt.Errorf("%w: %q", ErrReadOnly, name)
	}
	if err := attr.write(input); err != nil {
		s.log.V(4).Info("attribute write rejected", "attribute", name, "error", err.Error())
		return 0, err
	}
	return len(input), nil
}

// Errno maps an error returned by the surface to a negative errno value, or 0
// for nil.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, limiter.ErrInvalidArgument):
		return -int(unix.EINVAL)
	case errors.Is(err, limiter.ErrResourceUnavailable):
		return -int(unix.EAGAIN)
	case errors.Is(err, ErrUnknownAttribute):
		return -int(unix.ENOENT)
	case errors.Is(err, ErrReadOnly):
		return -int(unix.EACCES)
	}
	return -int(unix.EIO)
}
