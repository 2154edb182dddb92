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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/logstore"
	"github.com/alexandremahdhaoui/vm-selfmanager/pkg/vmm"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "VM_SELFMANAGER_CONFIG_PATH"

	// DefaultConfigPath is read when ConfigPathEnvKey is unset.
	DefaultConfigPath = "/etc/vm-selfmanager/config.yaml"

	envPrefix = "VM_SELFMANAGER_"
)

// Config holds the configuration for vm-selfmanager
type Config struct {
	// LogPath is the directory holding the per-VM log files.
	LogPath string `json:"logPath"`

	// LibvirtURI is the hypervisor connection URI.
	LibvirtURI string `json:"libvirtURI"`

	// PipeDir holds the unix sockets backing serial ports addressed by pipe name.
	PipeDir string `json:"pipeDir"`

	ReconcileInterval metav1.Duration `json:"reconcileInterval"`
	RetryInterval     metav1.Duration `json:"retryInterval"`
	ConnectTimeout    metav1.Duration `json:"connectTimeout"`
	JobPollInterval   metav1.Duration `json:"jobPollInterval"`

	// LogChunkSize bounds a single write when streaming a log back to a guest.
	LogChunkSize int `json:"logChunkSize"`

	// MetricsBind is the address for the metrics server (e.g., ":9090")
	MetricsBind string `json:"metricsBind"`

	// HealthBind is the address for the health probe server (e.g., ":9091")
	HealthBind string `json:"healthBind"`

	// DevelopmentMode enables development logging
	DevelopmentMode bool `json:"developmentMode"`
}

// DefaultLogPath returns the platform's default log directory.
func DefaultLogPath() string {
	if runtime.GOOS == "windows" {
		return `C:\Hyper-V\Logs`
	}
	return "/var/log/vm-selfmanager"
}

// NewDefaultConfig returns a Config with sensible defaults. LogPath is left
// empty so that LoadConfig can tell whether it must be persisted.
func NewDefaultConfig() *Config {
	return &Config{
		LibvirtURI:        vmm.DefaultURI,
		PipeDir:           "/var/run/vm-selfmanager",
		ReconcileInterval: metav1.Duration{Duration: 10 * time.Second},
		RetryInterval:     metav1.Duration{Duration: 2 * time.Second},
		ConnectTimeout:    metav1.Duration{Duration: 3 * time.Second},
		JobPollInterval:   metav1.Duration{Duration: time.Second},
		LogChunkSize:      logstore.DefaultChunkSize,
		MetricsBind:       ":9090",
		HealthBind:        ":9091",
	}
}

// LoadConfig reads the YAML or JSON file at configPath, applies environment
// overrides and validates the result. A missing file yields the defaults.
//
// When neither the file nor the environment sets a log path, the default is
// applied and written back to the file so that later runs keep using the
// same directory.
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	// Environment overrides are not written back.
	fromFile := *config

	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if config.LogPath == "" {
		config.LogPath = DefaultLogPath()
		fromFile.LogPath = config.LogPath
		if err := fromFile.persist(configPath); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// persist writes the config to path, creating its directory if needed.
func (c *Config) persist(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config
func (c *Config) applyEnvironmentOverrides() error {
	var errs []error

	str := func(key string, dst *string) {
		if val := os.Getenv(envPrefix + key); val != "" {
			*dst = val
		}
	}
	dur := func(key string, dst *metav1.Duration) {
		if val := os.Getenv(envPrefix + key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			dst.Duration = d
		}
	}

	str("LOG_PATH", &c.LogPath)
	str("LIBVIRT_URI", &c.LibvirtURI)
	str("PIPE_DIR", &c.PipeDir)
	str("METRICS_ADDR", &c.MetricsBind)
	str("HEALTH_ADDR", &c.HealthBind)
	dur("RECONCILE_INTERVAL", &c.ReconcileInterval)
	dur("RETRY_INTERVAL", &c.RetryInterval)
	dur("CONNECT_TIMEOUT", &c.ConnectTimeout)
	dur("JOB_POLL_INTERVAL", &c.JobPollInterval)

	if val := os.Getenv(envPrefix + "LOG_CHUNK_SIZE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sLOG_CHUNK_SIZE: %w", envPrefix, err))
		} else {
			c.LogChunkSize = n
		}
	}
	if val := os.Getenv(envPrefix + "DEV_MODE"); val != "" {
		c.DevelopmentMode = val == "true" || val == "1" || val == "yes"
	}

	return errors.Join(errs...)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.LogPath == "" {
		errs = append(errs, errors.New("logPath cannot be empty"))
	}

	if c.LibvirtURI == "" {
		errs = append(errs, errors.New("libvirtURI cannot be empty"))
	}

	for name, d := range map[string]time.Duration{
		"reconcileInterval": c.ReconcileInterval.Duration,
		"retryInterval":     c.RetryInterval.Duration,
		"connectTimeout":    c.ConnectTimeout.Duration,
		"jobPollInterval":   c.JobPollInterval.Duration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.LogChunkSize <= 0 || c.LogChunkSize > logstore.DefaultChunkSize {
		errs = append(errs, fmt.Errorf("logChunkSize must be in (0, %d], got %d",
			logstore.DefaultChunkSize, c.LogChunkSize))
	}

	if c.MetricsBind == "" {
		errs = append(errs, errors.New("metricsBind cannot be empty"))
	}

	if c.HealthBind == "" {
		errs = append(errs, errors.New("healthBind cannot be empty"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}
