package monitoring

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/AMDEPYC/cpufreq-limiter/internal/limiter"
	"github.com/AMDEPYC/cpufreq-limiter/internal/statenotifier"
	"github.com/AMDEPYC/cpufreq-limiter/pkg/testutils"
)

type testFrequencyReader struct {
	mock.Mock
}

func (r *testFrequencyReader) Read(cpu uint) (uint32, error) {
	args := r.Called(cpu)
	return args.Get(0).(uint32), args.Error(1)
}

func setupLogger() {
	log.SetLogger(zap.New(zap.UseDevMode(true), func(opts *zap.Options) {
		opts.TimeEncoder = zapcore.ISO8601TimeEncoder
	}))
}

func TestNewPerCPUCollector(t *testing.T) {
	setupLogger()
	reader := &testFrequencyReader{}
	reader.On("Read", uint(0)).Return(uint32(1497600), nil)
	reader.On("Read", uint(1)).Return(uint32(0), fmt.Errorf("failed to read: %w", fs.ErrNotExist))
	reader.On("Read", uint(2)).Return(uint32(652800), nil)

	metricName := prom.BuildFQName(promNamespace, liveSubsystem, "test_metric_khz")
	collector := newPerCPUCollector(
		metricName,
		"test cpu metric",
		prom.GaugeValue,
		3,
		reader.Read,
		ctrl.Log.WithName("testing"),
	)
	expected := `
		# HELP cpufreq_limiter_live_test_metric_khz test cpu metric
		# TYPE cpufreq_limiter_live_test_metric_khz gauge
		cpufreq_limiter_live_test_metric_khz{cpu="0"} 1.4976e+06
		cpufreq_limiter_live_test_metric_khz{cpu="2"} 652800
	`
	err := promtestutil.CollectAndCompare(collector, strings.NewReader(expected), metricName)
	assert.Nil(t, err)
	// cpu 1 is only probed at creation
	reader.AssertCalled(t, "Read", uint(1))
}

func TestNewPerCPUCollector_TransientErrors(t *testing.T) {
	setupLogger()
	reader := &testFrequencyReader{}
	reader.On("Read", uint(0)).Return(uint32(0), errors.New("device busy"))

	metricName := prom.BuildFQName(promNamespace, liveSubsystem, "test_transient_khz")
	collector := newPerCPUCollector(metricName, "test transient", prom.GaugeValue, 1, reader.Read,
		ctrl.Log.WithName("testing"))

	// We expect the Collector to return nothing - that also means no errors
	err := promtestutil.CollectAndCompare(collector, strings.NewReader(``), metricName)
	assert.Nil(t, err)
}

func TestNewCollectors(t *testing.T) {
	setupLogger()
	store, err := limiter.NewConstraintStore(2)
	require.NoError(t, err)
	_, err = store.SetResumeCeiling(0, 1200000)
	require.NoError(t, err)
	_, err = store.SetFloor(1, 600000)
	require.NoError(t, err)

	backend := testutils.NewRecordingBackend(2, 300000, 2265600)
	backend.SetCurrent(1, 1497600)
	engine := limiter.NewEngine(store, backend, testutils.NewFakeNotifier(statenotifier.Suspended), logr.Discard())

	registry := prom.NewPedanticRegistry()
	require.NoError(t, Register(registry, engine, ctrl.Log.WithName("testing")))

	expected := `
		# HELP cpufreq_limiter_constraint_resume_ceiling_khz Stored ceiling in force while active, 0 when unset.
		# TYPE cpufreq_limiter_constraint_resume_ceiling_khz gauge
		cpufreq_limiter_constraint_resume_ceiling_khz{cpu="0"} 1.2e+06
		cpufreq_limiter_constraint_resume_ceiling_khz{cpu="1"} 0
		# HELP cpufreq_limiter_constraint_floor_khz Stored frequency floor, 0 when unset.
		# TYPE cpufreq_limiter_constraint_floor_khz gauge
		cpufreq_limiter_constraint_floor_khz{cpu="0"} 0
		cpufreq_limiter_constraint_floor_khz{cpu="1"} 600000
		# HELP cpufreq_limiter_live_cur_frequency_khz Current frequency of the cpu in kHz.
		# TYPE cpufreq_limiter_live_cur_frequency_khz gauge
		cpufreq_limiter_live_cur_frequency_khz{cpu="0"} 300000
		cpufreq_limiter_live_cur_frequency_khz{cpu="1"} 1.4976e+06
		# HELP cpufreq_limiter_enabled 1 while the limiter applies constraints, 0 otherwise.
		# TYPE cpufreq_limiter_enabled gauge
		cpufreq_limiter_enabled 0
		# HELP cpufreq_limiter_power_state Last power state published to the limiter (1 unknown, 2 active, 3 suspended, 4 standby, 5 backlight, 6 init).
		# TYPE cpufreq_limiter_power_state gauge
		cpufreq_limiter_power_state 3
	`
	err = promtestutil.GatherAndCompare(registry, strings.NewReader(expected),
		"cpufreq_limiter_constraint_resume_ceiling_khz",
		"cpufreq_limiter_constraint_floor_khz",
		"cpufreq_limiter_live_cur_frequency_khz",
		"cpufreq_limiter_enabled",
		"cpufreq_limiter_power_state",
	)
	assert.Nil(t, err)

	count, err := promtestutil.GatherAndCount(registry)
	require.NoError(t, err)
	// 8 per-cpu metrics for 2 cpus plus enabled and power_state
	assert.Equal(t, 18, count)

	// registering twice collides on every descriptor
	assert.Error(t, Register(registry, engine, ctrl.Log.WithName("testing")))
}

func TestHandler(t *testing.T) {
	setupLogger()
	store, err := limiter.NewConstraintStore(1)
	require.NoError(t, err)
	engine := limiter.NewEngine(store, testutils.NewRecordingBackend(1, 300000, 2265600),
		testutils.NewFakeNotifier(statenotifier.Active), logr.Discard())
	registry := prom.NewRegistry()
	require.NoError(t, Register(registry, engine, ctrl.Log.WithName("testing")))

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MetricsPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cpufreq_limiter_hardware_max_frequency_khz{cpu="0"} 2.2656e+06`)
	assert.Contains(t, rec.Body.String(), "cpufreq_limiter_power_state 2")
}
