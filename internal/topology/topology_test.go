package topology

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/intel/power-optimization-library/pkg/power"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/AMDEPYC/cpufreq-limiter/pkg/testutils"
)

func TestParseCPUList(t *testing.T) {
	for _, tc := range []struct {
		list     string
		expected []uint
		wantErr  bool
	}{
		{list: "0-3\n", expected: []uint{0, 1, 2, 3}},
		{list: "0", expected: []uint{0}},
		{list: "0-1,4,6-7", expected: []uint{0, 1, 4, 6, 7}},
		{list: "", wantErr: true},
		{list: "3-1", wantErr: true},
		{list: "0-a", wantErr: true},
		{list: "0,,2", wantErr: true},
	} {
		cpus, err := ParseCPUList(tc.list)
		if tc.wantErr {
			assert.Error(t, err, tc.list)
			continue
		}
		require.NoError(t, err, tc.list)
		assert.Equal(t, tc.expected, cpus, tc.list)
	}

	assert.Equal(t, uint(8), CountFromList([]uint{0, 1, 4, 6, 7}))
	assert.Equal(t, uint(0), CountFromList(nil))
}

// setupFallbacks swaps the power library and affinity hooks for the duration
// of a test.
func setupFallbacks(t *testing.T, host power.Host, hostErr error, affinity func(*unix.CPUSet) error) {
	origHost, origAffinity := newPowerHost, schedGetaffinity
	t.Cleanup(func() {
		newPowerHost, schedGetaffinity = origHost, origAffinity
	})
	newPowerHost = func(string) (power.Host, error) {
		return host, hostErr
	}
	schedGetaffinity = affinity
}

func TestDiscovery_FromSysfs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "possible"), []byte("0-5\n"), 0644))
	setupFallbacks(t, nil, errors.New("must not be used"), func(*unix.CPUSet) error {
		return errors.New("must not be used")
	})

	d := &Discovery{SysfsRoot: root, Log: logr.Discard()}
	count, err := d.NumCPUs()
	require.NoError(t, err)
	assert.Equal(t, uint(6), count)
}

func TestDiscovery_FromPowerLibrary(t *testing.T) {
	mockedCPUs := []*testutils.MockCPU{{}, {}, {}}
	for id, cpu := range mockedCPUs {
		cpu.On("GetID").Return(uint(id))
	}
	cpuList := testutils.MakeCPUList(mockedCPUs...)
	host := new(testutils.MockHost)
	host.On("GetAllCpus").Return(&cpuList)
	setupFallbacks(t, host, nil, func(*unix.CPUSet) error {
		return errors.New("must not be used")
	})

	d := &Discovery{SysfsRoot: t.TempDir(), Log: logr.Discard()}
	count, err := d.NumCPUs()
	require.NoError(t, err)
	assert.Equal(t, uint(3), count)

	// host is created once
	cached, err := d.Host()
	require.NoError(t, err)
	assert.Same(t, host, cached)
}

func TestDiscovery_FromAffinity(t *testing.T) {
	setupFallbacks(t, nil, errors.New("no msr access"), func(set *unix.CPUSet) error {
		set.Zero()
		set.Set(0)
		set.Set(1)
		return nil
	})

	d := &Discovery{SysfsRoot: t.TempDir(), Log: logr.Discard()}
	count, err := d.NumCPUs()
	require.NoError(t, err)
	assert.Equal(t, uint(2), count)
}

func TestDiscovery_AllSourcesFail(t *testing.T) {
	host := new(testutils.MockHost)
	host.On("GetAllCpus").Return(nil)
	setupFallbacks(t, host, nil, func(*unix.CPUSet) error {
		return unix.EPERM
	})

	d := &Discovery{SysfsRoot: t.TempDir(), Log: logr.Discard()}
	_, err := d.NumCPUs()
	assert.ErrorIs(t, err, ErrNoCPUs)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorIs(t, err, unix.EPERM)
}

func TestDiscovery_LogFeatures(t *testing.T) {
	host := new(testutils.MockHost)
	host.On("GetFeaturesInfo").Return(nil)
	setupFallbacks(t, host, nil, nil)

	d := &Discovery{Log: logr.Discard()}
	d.LogFeatures()
	host.AssertCalled(t, "GetFeaturesInfo")

	setupFallbacks(t, nil, errors.New("unsupported platform"), nil)
	d = &Discovery{Log: logr.Discard()}
	d.LogFeatures()
	_, err := d.Host()
	assert.ErrorContains(t, err, "unsupported platform")
}
