package cpufreq

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createCPUFreqTree(t *testing.T, numCPUs int, files map[string]string) string {
	root := t.TempDir()
	for cpu := 0; cpu < numCPUs; cpu++ {
		dir := filepath.Join(root, fmt.Sprintf("cpu%d", cpu), "cpufreq")
		require.NoError(t, os.MkdirAll(dir, 0755), "failed to create cpufreq dir")
		for name, content := range files {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644), "failed to write %s", name)
		}
	}
	return root
}

func readCPUFreqFile(t *testing.T, root string, cpu uint, name string) string {
	data, err := os.ReadFile((&SysfsBackend{root: root}).path(cpu, name))
	require.NoError(t, err)
	return string(data)
}

func defaultFiles() map[string]string {
	return map[string]string{
		scalingMinFreq:  "300000\n",
		scalingMaxFreq:  "2265600\n",
		scalingCurFreq:  "1497600\n",
		cpuinfoMinFreq:  "300000\n",
		cpuinfoMaxFreq:  "2265600\n",
		scalingGovernor: "schedutil\n",
		availGovernors:  "performance powersave schedutil userspace\n",
	}
}

func TestSysfsBackend_Readers(t *testing.T) {
	root := createCPUFreqTree(t, 2, defaultFiles())
	b := NewSysfsBackend(root, logr.Discard())

	for _, tc := range []struct {
		read     func(uint) (uint32, error)
		expected uint32
	}{
		{read: b.CurrentFrequency, expected: 1497600},
		{read: b.MinFrequency, expected: 300000},
		{read: b.MaxFrequency, expected: 2265600},
		{read: b.HardwareMinFrequency, expected: 300000},
		{read: b.HardwareMaxFrequency, expected: 2265600},
	} {
		freq, err := tc.read(1)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, freq)
	}

	governor, err := b.Governor(0)
	require.NoError(t, err)
	assert.Equal(t, "schedutil", governor)
}

func TestSysfsBackend_ReadErrors(t *testing.T) {
	files := defaultFiles()
	files[scalingCurFreq] = "not-a-number\n"
	root := createCPUFreqTree(t, 1, files)
	b := NewSysfsBackend(root, logr.Discard())

	_, err := b.CurrentFrequency(0)
	assert.ErrorContains(t, err, "failed to convert scaling_cur_freq for cpu 0")

	_, err = b.MaxFrequency(3)
	assert.ErrorContains(t, err, "failed to read scaling_max_freq for cpu 3")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSysfsBackend_SetFrequencyBounds(t *testing.T) {
	root := createCPUFreqTree(t, 1, defaultFiles())
	b := NewSysfsBackend(root, logr.Discard())

	require.NoError(t, b.SetFrequencyBounds(0, 0, 1728000))
	assert.Equal(t, "1728000", readCPUFreqFile(t, root, 0, scalingMaxFreq))
	assert.Equal(t, "300000\n", readCPUFreqFile(t, root, 0, scalingMinFreq))

	require.NoError(t, b.SetFrequencyBounds(0, 652800, 0))
	assert.Equal(t, "652800", readCPUFreqFile(t, root, 0, scalingMinFreq))
	assert.Equal(t, "1728000", readCPUFreqFile(t, root, 0, scalingMaxFreq))

	require.NoError(t, b.SetFrequencyBounds(0, 1900000, 2265600))
	assert.Equal(t, "1900000", readCPUFreqFile(t, root, 0, scalingMinFreq))
	assert.Equal(t, "2265600", readCPUFreqFile(t, root, 0, scalingMaxFreq))

	// nothing to write
	require.NoError(t, b.SetFrequencyBounds(0, 0, 0))

	assert.Error(t, b.SetFrequencyBounds(4, 0, 1000000))
}

func TestSysfsBackend_SetGovernor(t *testing.T) {
	root := createCPUFreqTree(t, 1, defaultFiles())
	b := NewSysfsBackend(root, logr.Discard())

	require.NoError(t, b.SetGovernor(0, "performance"))
	assert.Equal(t, "performance", readCPUFreqFile(t, root, 0, scalingGovernor))

	err := b.SetGovernor(0, "ondemand")
	assert.ErrorIs(t, err, ErrGovernorUnavailable)
	assert.Equal(t, "performance", readCPUFreqFile(t, root, 0, scalingGovernor))

	governors, err := b.AvailableGovernors(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"performance", "powersave", "schedutil", "userspace"}, governors)
}

func TestSysfsBackend_SetGovernorWithoutAvailableList(t *testing.T) {
	files := defaultFiles()
	delete(files, availGovernors)
	root := createCPUFreqTree(t, 1, files)
	b := NewSysfsBackend(root, logr.Discard())

	require.NoError(t, b.SetGovernor(0, "interactive"))
	assert.Equal(t, "interactive", readCPUFreqFile(t, root, 0, scalingGovernor))
}

func TestNewSysfsBackend_DefaultRoot(t *testing.T) {
	b := NewSysfsBackend("", logr.Discard())
	assert.Equal(t, "/sys/devices/system/cpu/cpu3/cpufreq/scaling_max_freq", b.path(3, scalingMaxFreq))
}
