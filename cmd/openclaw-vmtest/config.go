// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/alexandremahdhaoui/openclaw-vmtest/internal/util/logging"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/reporting"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/scenario"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/vmm"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "OPENCLAW_VMTEST_CONFIG_PATH"

	envPrefix = "OPENCLAW_VMTEST_"
)

// Backends.
const (
	BackendLibvirt = "libvirt"
	BackendSSH     = "ssh"
	BackendLocal   = "local"
)

// Config holds the configuration for openclaw-vmtest
type Config struct {
	// Backend provides the machine scenarios run against: libvirt, ssh or local
	Backend string `json:"backend"`

	// LibvirtURI is the libvirt connection URI
	LibvirtURI string `json:"libvirtURI"`

	// ImagePath is the qcow2 image every libvirt domain is backed by
	ImagePath string `json:"imagePath,omitempty"`

	// BaseDir holds overlays, cloud-init seeds and console logs
	BaseDir string `json:"baseDir"`

	Network string `json:"network"`
	// NetworkGateway creates Network as a NAT network when it does not
	// exist, e.g. 192.168.150.1/24. Optional.
	NetworkGateway string `json:"networkGateway,omitempty"`

	MemoryMB uint   `json:"memoryMB"`
	VCPUs    uint   `json:"vcpus"`
	DiskSize string `json:"diskSize"`

	// SSHHost is the host the ssh backend connects to
	SSHHost string `json:"sshHost,omitempty"`
	SSHPort string `json:"sshPort"`
	// SSHUser is the login user. Libvirt domains get the key installed for it.
	SSHUser    string `json:"sshUser"`
	SSHKeyPath string `json:"sshKeyPath,omitempty"`

	// ArtifactDir receives reports, probe outputs and console logs
	ArtifactDir string `json:"artifactDir"`

	// ScenarioDir resolves relative scenario paths
	ScenarioDir string `json:"scenarioDir"`

	// ReportFormat is the format printed to stdout: text, json or junit
	ReportFormat string `json:"reportFormat"`

	// MetricsPath is a Prometheus textfile written after the run. Optional.
	MetricsPath string `json:"metricsPath,omitempty"`

	// Parallelism bounds the scenarios run-all executes at once
	Parallelism int `json:"parallelism"`

	ProbeTimeout   scenario.DurationString `json:"probeTimeout"`
	CleanupTimeout scenario.DurationString `json:"cleanupTimeout"`

	// DevelopmentMode enables development logging
	DevelopmentMode bool   `json:"developmentMode"`
	LogLevel        string `json:"logLevel"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Backend:         BackendLibvirt,
		LibvirtURI:      vmm.DefaultURI,
		BaseDir:         "/tmp/openclaw-vmtest",
		Network:         "default",
		MemoryMB:        2048,
		VCPUs:           2,
		DiskSize:        "20G",
		SSHPort:         "22",
		SSHUser:         "root",
		ArtifactDir:     "/tmp/openclaw-vmtest/artifacts",
		ScenarioDir:     scenario.DefaultScenarioPath(),
		ReportFormat:    string(reporting.FormatText),
		Parallelism:     1,
		ProbeTimeout:    "30s",
		CleanupTimeout:  "2m",
		DevelopmentMode: false,
		LogLevel:        "info",
	}
}

// LoadConfig loads configuration from a JSON file path or returns defaults with env var overrides
// If configPath is empty, it uses environment variables only
func LoadConfig(configPath string) (*Config, error) {
	config, err := readConfig(configPath)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// readConfig applies the file and the environment over the defaults without
// validating the result.
func readConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	return config, nil
}

// applyEnvironmentOverrides applies OPENCLAW_VMTEST_* overrides to the config
func (c *Config) applyEnvironmentOverrides() error {
	var errs []error

	for key, field := range map[string]*string{
		"BACKEND":         &c.Backend,
		"LIBVIRT_URI":     &c.LibvirtURI,
		"IMAGE":           &c.ImagePath,
		"BASE_DIR":        &c.BaseDir,
		"NETWORK":         &c.Network,
		"NETWORK_GATEWAY": &c.NetworkGateway,
		"DISK_SIZE":       &c.DiskSize,
		"SSH_HOST":        &c.SSHHost,
		"SSH_PORT":        &c.SSHPort,
		"SSH_USER":        &c.SSHUser,
		"SSH_KEY":         &c.SSHKeyPath,
		"ARTIFACT_DIR":    &c.ArtifactDir,
		"SCENARIOS":       &c.ScenarioDir,
		"REPORT_FORMAT":   &c.ReportFormat,
		"METRICS_PATH":    &c.MetricsPath,
		"LOG_LEVEL":       &c.LogLevel,
		"PROBE_TIMEOUT":   (*string)(&c.ProbeTimeout),
		"CLEANUP_TIMEOUT": (*string)(&c.CleanupTimeout),
	} {
		if val := os.Getenv(envPrefix + key); val != "" {
			*field = val
		}
	}

	for key, field := range map[string]*uint{
		"MEMORY_MB": &c.MemoryMB,
		"VCPUS":     &c.VCPUs,
	} {
		if val := os.Getenv(envPrefix + key); val != "" {
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				continue
			}
			*field = uint(n)
		}
	}

	if val := os.Getenv(envPrefix + "PARALLELISM"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sPARALLELISM: %w", envPrefix, err))
		} else {
			c.Parallelism = n
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

	switch c.Backend {
	case BackendLibvirt:
		if c.ImagePath == "" {
			errs = append(errs, errors.New("imagePath is required by the libvirt backend"))
		}
		if c.MemoryMB == 0 {
			errs = append(errs, errors.New("memoryMB must be positive"))
		}
		if c.VCPUs == 0 {
			errs = append(errs, errors.New("vcpus must be positive"))
		}
	case BackendSSH:
		if c.SSHHost == "" {
			errs = append(errs, errors.New("sshHost is required by the ssh backend"))
		}
		if c.SSHKeyPath == "" {
			errs = append(errs, errors.New("sshKeyPath is required by the ssh backend"))
		}
	case BackendLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown backend '%s' (must be libvirt, ssh or local)", c.Backend))
	}

	if c.Backend != BackendLocal && c.SSHUser == "" {
		errs = append(errs, errors.New("sshUser cannot be empty"))
	}

	if _, err := reporting.ParseFormat(c.ReportFormat); err != nil {
		errs = append(errs, fmt.Errorf("reportFormat: %w", err))
	}

	if c.Parallelism < 1 {
		errs = append(errs, errors.New("parallelism must be at least 1"))
	}

	for _, f := range []struct {
		name string
		d    scenario.DurationString
	}{
		{"probeTimeout", c.ProbeTimeout},
		{"cleanupTimeout", c.CleanupTimeout},
	} {
		if v, err := f.d.Duration(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		} else if v < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative", f.name))
		}
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("logLevel: %w", err))
	}

	return errors.Join(errs...)
}

// LoggingOptions returns the options of logging.Setup.
func (c *Config) LoggingOptions() logging.Options {
	level, _ := logging.ParseLevel(c.LogLevel)
	return logging.Options{
		Development: c.DevelopmentMode,
		Level:       level,
	}
}
