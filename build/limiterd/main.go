/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/AMDEPYC/cpufreq-limiter/internal/config"
	"github.com/AMDEPYC/cpufreq-limiter/internal/control"
	"github.com/AMDEPYC/cpufreq-limiter/internal/cpufreq"
	"github.com/AMDEPYC/cpufreq-limiter/internal/limiter"
	"github.com/AMDEPYC/cpufreq-limiter/internal/monitoring"
	"github.com/AMDEPYC/cpufreq-limiter/internal/statenotifier"
	"github.com/AMDEPYC/cpufreq-limiter/internal/topology"
)

var setupLog = ctrl.Log.WithName("setup")

func main() {
	var configPath string
	var listenAddr string
	var metricsAddr string
	var stateFile string
	var sysfsRoot string
	var enable bool
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration file.")
	flag.StringVar(&listenAddr, "listen-address", config.DefaultListenAddress, "The address the control endpoint binds to.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", config.DefaultMetricsAddress,
		"The address the metric endpoint binds to. Empty disables metrics.")
	flag.StringVar(&stateFile, "state-file", config.DefaultStateFile,
		"File holding the current power state. Empty disables watching.")
	flag.StringVar(&sysfsRoot, "sysfs-root", cpufreq.DefaultSysfsRoot, "Root of the cpu sysfs tree.")
	flag.BoolVar(&enable, "enable", false, "Enable the limiter at start.")
	logOpts := zap.Options{}
	logOpts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(o *zap.Options) {
			o.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
		zap.UseFlagOptions(&logOpts),
	),
	)

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			setupLog.Error(err, "unable to load configuration")
			os.Exit(1)
		}
	}
	// flags given on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen-address":
			cfg.ListenAddress = listenAddr
		case "metrics-bind-address":
			cfg.MetricsAddress = metricsAddr
		case "state-file":
			cfg.StateFile = stateFile
		case "sysfs-root":
			cfg.SysfsRoot = sysfsRoot
		case "enable":
			cfg.Enabled = enable
		}
	})
	if err := cfg.Validate(); err != nil {
		setupLog.Error(err, "invalid configuration")
		os.Exit(1)
	}

	discovery := &topology.Discovery{
		SysfsRoot: cfg.SysfsRoot,
		HostName:  os.Getenv("NODE_NAME"),
		Log:       ctrl.Log.WithName("topology"),
	}
	discovery.LogFeatures()
	numCPUs := cfg.CPUs
	if numCPUs == 0 {
		var err error
		if numCPUs, err = discovery.NumCPUs(); err != nil {
			setupLog.Error(err, "unable to discover cpus")
			os.Exit(1)
		}
	}

	store, err := limiter.NewConstraintStore(numCPUs)
	if err != nil {
		setupLog.Error(err, "unable to create constraint store")
		os.Exit(1)
	}
	if err := cfg.Seed(store); err != nil {
		setupLog.Error(err, "unable to seed constraints")
		os.Exit(1)
	}

	backend := cpufreq.NewSysfsBackend(cfg.SysfsRoot, ctrl.Log.WithName("cpufreq"))
	if cfg.Governor != "" {
		for cpu := uint(0); cpu < numCPUs; cpu++ {
			if err := backend.SetGovernor(cpu, cfg.Governor); err != nil {
				setupLog.Error(err, "unable to set governor", "cpu", cpu, "governor", cfg.Governor)
			}
		}
	}

	notifier := statenotifier.NewNotifier(ctrl.Log.WithName("statenotifier"), cfg.State())
	defer notifier.Close()

	engine := limiter.NewEngine(store, backend, notifier, ctrl.Log.WithName("limiter"))
	engine.SetDebug(cfg.Debug)
	if err := monitoring.Register(ctrlmetrics.Registry, engine, ctrl.Log.WithName(monitoring.LogTopName)); err != nil {
		setupLog.Error(err, "unable to register metrics")
		os.Exit(1)
	}
	if cfg.Enabled {
		if err := engine.Enable(); err != nil {
			setupLog.Error(err, "unable to enable limiter, it can be enabled through the control endpoint")
		}
	}

	surface := control.NewSurface(engine, ctrl.Log.WithName("control"))
	runnables := []manager.Runnable{
		engine,
		control.NewServer(surface, cfg.ListenAddress, ctrl.Log.WithName("control")),
	}
	if cfg.StateFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.StateFile), 0755); err != nil {
			setupLog.Error(err, "unable to create power state directory")
			os.Exit(1)
		}
		runnables = append(runnables, statenotifier.NewFileSource(cfg.StateFile, notifier, ctrl.Log.WithName("statefile")))
	}
	if cfg.MetricsAddress != "" {
		runnables = append(runnables, monitoring.NewServer(cfg.MetricsAddress, ctrlmetrics.Registry, ctrl.Log.WithName(monitoring.LogTopName)))
	}

	setupLog.Info("starting limiter daemon", "cpus", numCPUs, "version", fmt.Sprintf("%d.%d", limiter.VersionMajor, limiter.VersionMinor))
	g, ctx := errgroup.WithContext(ctrl.SetupSignalHandler())
	for _, runnable := range runnables {
		g.Go(func() error {
			return runnable.Start(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		setupLog.Error(err, "problem running limiter daemon")
		notifier.Close()
		os.Exit(1)
	}
}
