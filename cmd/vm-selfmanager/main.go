/*
Copyright 2024 Alexandre Mahdhaoui

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
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/agent"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/metrics"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/pipe"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/util/httputil"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/util/logging"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/util/servicehost"
	"github.com/alexandremahdhaoui/vm-selfmanager/pkg/vmm"
)

const (
	Name = "vm-selfmanager"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	_, _ = fmt.Fprintf(
		os.Stdout,
		"Starting %s version %s (%s) %s\n",
		Name,
		Version,
		CommitSHA,
		BuildTimestamp,
	)

	// --------------------------------------------- Config --------------------------------------------------------- //

	configPath := os.Getenv(ConfigPathEnvKey)
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --------------------------------------------- Logging -------------------------------------------------------- //

	log := logging.Setup(logging.Options{
		Development: config.DevelopmentMode,
		Level:       slog.LevelInfo,
	}).WithName(Name)

	log.Info("loaded configuration",
		"configPath", configPath,
		"logPath", config.LogPath,
		"libvirtURI", config.LibvirtURI,
		"metricsAddr", config.MetricsBind,
		"probeAddr", config.HealthBind)

	// --------------------------------------------- Graceful Shutdown ---------------------------------------------- //

	gs := gracefulshutdown.New(Name)

	// --------------------------------------------- Hypervisor ----------------------------------------------------- //

	manager, err := vmm.NewManager(config.LibvirtURI, vmm.WithLogger(log.WithName("vmm")))
	if err != nil {
		log.Error(err, "connecting to hypervisor")
		gs.Shutdown(1)
	}

	// --------------------------------------------- Metrics -------------------------------------------------------- //

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := metrics.New()
	if err := m.Register(registry); err != nil {
		log.Error(err, "registering metrics")
		gs.Shutdown(1)
	}

	// --------------------------------------------- Agent ---------------------------------------------------------- //

	a, err := agent.New(agent.Options{
		Manager:         manager,
		Dialer:          pipe.NewDialer(config.PipeDir),
		LogDir:          config.LogPath,
		LogChunkSize:    config.LogChunkSize,
		Interval:        config.ReconcileInterval.Duration,
		RetryInterval:   config.RetryInterval.Duration,
		ConnectTimeout:  config.ConnectTimeout.Duration,
		JobPollInterval: config.JobPollInterval.Duration,
		Log:             log.WithName("agent"),
		Metrics:         m,
	})
	if err != nil {
		log.Error(err, "creating agent")
		gs.Shutdown(1)
	}

	// --------------------------------------------- Run ------------------------------------------------------------ //

	gs.WaitGroup().Add(1)

	go httputil.Serve(map[string]*http.Server{
		"metrics": httputil.NewMetricsServer(config.MetricsBind, registry),
		"probes":  httputil.NewProbesServer(config.HealthBind, a.Ready),
	}, gs)

	if err := servicehost.Run(Name, gs, a, log.WithName("servicehost")); err != nil {
		log.Error(err, "running agent")
		a.Stop()
		_ = manager.Close()
		gs.WaitGroup().Done()
		gs.Shutdown(1)
	}

	if err := manager.Close(); err != nil {
		log.Error(err, "closing hypervisor connection")
	}
	gs.WaitGroup().Done()

	log.Info("gracefully stopped", "binary", Name)
	gs.Shutdown(0)
}
