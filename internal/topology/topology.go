package topology

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/intel/power-optimization-library/pkg/power"
	"golang.org/x/sys/unix"
)

const possibleCPUsFile = "possible"

var (
	ErrNoCPUs = errors.New("no cpus discovered")

	// swappable for tests
	newPowerHost     = power.CreateInstance
	schedGetaffinity = func(set *unix.CPUSet) error {
		return unix.SchedGetaffinity(0, set)
	}
)

// ParseCPUList parses the kernel cpu list format, e.g. "0-3,6,8-9", into
// the listed ids.
func ParseCPUList(list string) ([]uint, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, fmt.Errorf("%w: empty cpu list", ErrNoCPUs)
	}

	cpus := make([]uint, 0)
	for _, part := range strings.Split(list, ",") {
		bounds := strings.SplitN(part, "-", 2)
		first, err := strconv.ParseUint(bounds[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu %q in list %q: %w", bounds[0], list, err)
		}
		last := first
		if len(bounds) == 2 {
			if last, err = strconv.ParseUint(bounds[1], 10, 32); err != nil {
				return nil, fmt.Errorf("invalid cpu %q in list %q: %w", bounds[1], list, err)
			}
			if last < first {
				return nil, fmt.Errorf("invalid range %q in list %q", part, list)
			}
		}
		for cpu := first; cpu <= last; cpu++ {
			cpus = append(cpus, uint(cpu))
		}
	}
	return cpus, nil
}

// CountFromList returns the number of cpu slots a list covers, which is its
// highest id plus one.
func CountFromList(cpus []uint) uint {
	var count uint
	for _, cpu := range cpus {
		count = max(count, cpu+1)
	}
	return count
}

// Discovery finds how many cpus the limiter manages.
type Discovery struct {
	SysfsRoot string
	// HostName is passed to the power library, it is only used for logging there.
	HostName string
	Log      logr.Logger

	host power.Host
}

// NumCPUs returns the number of possible cpus. The kernel's possible list is
// read first, then the power library's view of the host is used, then the
// affinity mask of this process.
func (d *Discovery) NumCPUs() (uint, error) {
	errs := make([]error, 0, 3)

	count, err := d.fromSysfs()
	if err == nil {
		d.Log.V(4).Info("cpus discovered from sysfs", "count", count)
		return count, nil
	}
	errs = append(errs, err)

	count, err = d.fromPowerLibrary()
	if err == nil {
		d.Log.Info("cpus discovered through power library", "count", count)
		return count, nil
	}
	errs = append(errs, err)

	count, err = fromAffinity()
	if err == nil {
		d.Log.Info("cpus discovered from affinity mask, offline cpus are not covered", "count", count)
		return count, nil
	}
	errs = append(errs, err)

	return 0, fmt.Errorf("%w: %w", ErrNoCPUs, errors.Join(errs...))
}

func (d *Discovery) fromSysfs() (uint, error) {
	root := d.SysfsRoot
	if root == "" {
		root = "/sys/devices/system/cpu"
	}
	data, err := os.ReadFile(filepath.Join(root, possibleCPUsFile))
	if err != nil {
		return 0, fmt.Errorf("failed to read possible cpus: %w", err)
	}
	cpus, err := ParseCPUList(string(data))
	if err != nil {
		return 0, err
	}
	return CountFromList(cpus), nil
}

// Host returns the power library instance, creating it on first use. The
// library returns a usable host along with an error when only some of its
// features failed to initialise.
func (d *Discovery) Host() (power.Host, error) {
	if d.host != nil {
		return d.host, nil
	}
	power.SetLogger(d.Log.WithName("powerLibrary"))
	host, err := newPowerHost(d.HostName)
	if host == nil {
		return nil, fmt.Errorf("unable to create power library instance: %w", err)
	}
	if err != nil {
		d.Log.V(4).Info("power library created with errors", "error", err.Error())
	}
	d.host = host
	return host, nil
}

func (d *Discovery) fromPowerLibrary() (uint, error) {
	host, err := d.Host()
	if err != nil {
		return 0, err
	}
	cpus := host.GetAllCpus()
	if cpus == nil || len(*cpus) == 0 {
		return 0, fmt.Errorf("%w: power library reports no cpus", ErrNoCPUs)
	}
	return CountFromList(cpus.IDs()), nil
}

func fromAffinity() (uint, error) {
	var set unix.CPUSet
	if err := schedGetaffinity(&set); err != nil {
		return 0, fmt.Errorf("failed to read cpu affinity: %w", err)
	}
	count := set.Count()
	if count == 0 {
		return 0, fmt.Errorf("%w: empty affinity mask", ErrNoCPUs)
	}
	return uint(count), nil
}

// LogFeatures reports which power library features work on this host and
// the governors available for frequency scaling.
func (d *Discovery) LogFeatures() {
	host, err := d.Host()
	if err != nil {
		d.Log.Error(err, "skipping power feature report")
		return
	}
	for id, feature := range host.GetFeaturesInfo() {
		d.Log.Info(
			"feature status",
			"feature", feature.Name(),
			"driver", feature.Driver(),
			"error", feature.FeatureError(),
			"available", power.IsFeatureSupported(id))
		if id == power.FrequencyScalingFeature {
			govs := power.GetAvailableGovernors()
			d.Log.Info(fmt.Sprintf("available governors: %v", govs))
		}
	}
}
