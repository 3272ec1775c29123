package monitoring

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/exp/constraints"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/AMDEPYC/cpufreq-limiter/internal/limiter"
)

// Helper constants for prom Collectors
const (
	promNamespace string = "cpufreq_limiter"

	LogTopName          string = "monitoring"
	liveSubsystem       string = "live"
	hardwareSubsystem   string = "hardware"
	constraintSubsystem string = "constraint"
)

type collectorImpl struct {
	collectFunc  func(ch chan<- prom.Metric)
	describeFunc func(ch chan<- *prom.Desc)
}

func (c collectorImpl) Collect(ch chan<- prom.Metric) {
	c.collectFunc(ch)
}

func (c collectorImpl) Describe(ch chan<- *prom.Desc) {
	c.describeFunc(ch)
}

type number interface {
	constraints.Integer | constraints.Float
}

// newPerCPUCollector is generic factory of prometheus Collectors for metrics that are CPU bound.
// readFunc is called with every cpu id below numCPUs; cpus whose value does not exist at creation
// are left out, e.g. cpus without a cpufreq policy.
// log is Logger that should have all Names, KeysValues and other... already attached.
// return prometheus Collector that is ready for registration
func newPerCPUCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	numCPUs uint, readFunc func(uint) (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{"cpu"},
		nil,
	)

	collectorFuncs := make([]func(ch chan<- prom.Metric), 0)
	for cpu := uint(0); cpu < numCPUs; cpu++ {
		if _, err := readFunc(cpu); errors.Is(err, os.ErrNotExist) {
			log.Info("Not registering collection, cpu does not expose this metric",
				"error", err.Error(), "cpu", cpu)
			continue
		}
		collectorFuncs = append(collectorFuncs, func(ch chan<- prom.Metric) {
			log.V(5).Info("Collecting metrics for prometheus", "cpu", cpu)
			if val, err := readFunc(cpu); err == nil {
				ch <- prom.MustNewConstMetric(
					desc,
					metricType,
					float64(val),
					strconv.FormatUint(uint64(cpu), 10),
				)
			} else {
				log.V(5).Info(fmt.Sprintf("error reading metric value, err: %v", err), "cpu", cpu)
			}
		})
	}
	log.V(4).Info("New perCPU prometheus Collector created", "metric", metricName, "cpus", len(collectorFuncs))

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			for _, collectFunc := range collectorFuncs {
				collectFunc(ch)
			}
		},
	}
}

func constraintReader(store *limiter.ConstraintStore, bound limiter.Bound) func(uint) (uint32, error) {
	return func(cpu uint) (uint32, error) {
		constraint, err := store.Get(cpu)
		if err != nil {
			return 0, err
		}
		return constraint.Get(bound), nil
	}
}

// NewCollectors creates the collectors describing engine: the live and
// hardware frequency limits reported by its backend, the stored constraints
// and the engine and power state.
func NewCollectors(engine *limiter.Engine, log logr.Logger) []prom.Collector {
	numCPUs := engine.Store().Len()
	backend := engine.Backend()
	store := engine.Store()

	perCPU := []struct {
		subsystem, name, help string
		read                  func(uint) (uint32, error)
	}{
		{liveSubsystem, "cur_frequency_khz", "Current frequency of the cpu in kHz.", backend.CurrentFrequency},
		{liveSubsystem, "min_frequency_khz", "Minimum frequency of the cpufreq policy in kHz.", backend.MinFrequency},
		{liveSubsystem, "max_frequency_khz", "Maximum frequency of the cpufreq policy in kHz.", backend.MaxFrequency},
		{hardwareSubsystem, "min_frequency_khz", "Lowest frequency the cpu supports in kHz.", backend.HardwareMinFrequency},
		{hardwareSubsystem, "max_frequency_khz", "Highest frequency the cpu supports in kHz.", backend.HardwareMaxFrequency},
		{constraintSubsystem, "suspend_ceiling_khz", "Stored ceiling in force while suspended, 0 when unset.", constraintReader(store, limiter.SuspendCeiling)},
		{constraintSubsystem, "resume_ceiling_khz", "Stored ceiling in force while active, 0 when unset.", constraintReader(store, limiter.ResumeCeiling)},
		{constraintSubsystem, "floor_khz", "Stored frequency floor, 0 when unset.", constraintReader(store, limiter.Floor)},
	}

	collectors := make([]prom.Collector, 0, len(perCPU)+2)
	for _, m := range perCPU {
		collectors = append(collectors, newPerCPUCollector(
			prom.BuildFQName(promNamespace, m.subsystem, m.name), m.help, prom.GaugeValue,
			numCPUs, m.read, log.WithValues("subsystem", m.subsystem),
		))
	}

	collectors = append(collectors,
		prom.NewGaugeFunc(prom.GaugeOpts{
			Namespace: promNamespace,
			Name:      "enabled",
			Help:      "1 while the limiter applies constraints, 0 otherwise.",
		}, func() float64 {
			if engine.Enabled() {
				return 1
			}
			return 0
		}),
		prom.NewGaugeFunc(prom.GaugeOpts{
			Namespace: promNamespace,
			Name:      "power_state",
			Help:      "Last power state published to the limiter (1 unknown, 2 active, 3 suspended, 4 standby, 5 backlight, 6 init).",
		}, func() float64 {
			return float64(engine.PowerState())
		}),
	)
	return collectors
}

// Register adds the collectors of engine to registerer.
func Register(registerer prom.Registerer, engine *limiter.Engine, log logr.Logger) error {
	for _, collector := range NewCollectors(engine, log) {
		if err := registerer.Register(collector); err != nil {
			return fmt.Errorf("failed to register limiter collector: %w", err)
		}
	}
	log.V(4).Info("limiter collectors registered")
	return nil
}
