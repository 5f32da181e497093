package scenario

import (
	"fmt"
	"slices"
	"time"
)

// Diagnostic battery names.
const (
	BatteryGateway = "gateway"
	BatteryMinimal = "minimal"
	BatteryNone    = "none"
)

// Scenario is an activation test of the openclaw gateway loaded from YAML.
type Scenario struct {
	// Name is the human-readable scenario name
	Name string `yaml:"name"`

	// Description explains what this scenario validates
	Description string `yaml:"description"`

	// Tags are labels for filtering scenarios
	Tags []string `yaml:"tags,omitempty"`

	// User owns the home configuration and the gateway service
	User string `yaml:"user"`

	Activation ActivationSpec `yaml:"activation,omitempty"`

	Service ServiceSpec `yaml:"service,omitempty"`

	// Preflight resolves the installed binaries and probes the native
	// add-on before the service is started
	Preflight PreflightSpec `yaml:"preflight,omitempty"`

	Diagnostics DiagnosticsSpec `yaml:"diagnostics,omitempty"`

	Timeouts TimeoutSpec `yaml:"timeouts,omitempty"`

	// ExpectedOutcome documents the expected test outcome
	ExpectedOutcome *ExpectedOutcome `yaml:"expectedOutcome,omitempty"`
}

// HasTag reports whether the scenario carries tag.
func (s *Scenario) HasTag(tag string) bool {
	return slices.Contains(s.Tags, tag)
}

// ActivationSpec describes the declarative home activation.
type ActivationSpec struct {
	// Unit is the system unit applying the home configuration
	Unit string `yaml:"unit,omitempty"`

	// ConfigFile must exist once activation succeeded
	ConfigFile string `yaml:"configFile,omitempty"`
}

// ServiceSpec describes the user service under test.
type ServiceSpec struct {
	// Unit is the user unit started by the scenario
	Unit string `yaml:"unit,omitempty"`

	// Port is the TCP port the service opens once healthy
	Port int `yaml:"port,omitempty"`

	// ScratchDir is where the service writes logs and reports
	ScratchDir string `yaml:"scratchDir,omitempty"`

	// LogFiles are file names within ScratchDir
	LogFiles []string `yaml:"logFiles,omitempty"`

	// ProcessNames are looked up in the process table on failure
	ProcessNames []string `yaml:"processNames,omitempty"`
}

// PreflightSpec configures the optional pre-flight add-on probes.
type PreflightSpec struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// AddonModule is the native add-on module the application loads
	AddonModule string `yaml:"addonModule,omitempty"`

	// AddonEnv is the variable selecting AddonModule
	AddonEnv string `yaml:"addonEnv,omitempty"`

	// ApplicationBinary is the binary name found in the service wrapper
	ApplicationBinary string `yaml:"applicationBinary,omitempty"`

	// RuntimeBinary is the binary name found in the application wrapper
	RuntimeBinary string `yaml:"runtimeBinary,omitempty"`

	Probes []ProbeSpec `yaml:"probes,omitempty"`
}

// ProbeSpec is an inline script evaluated by the runtime binary.
type ProbeSpec struct {
	Label  string `yaml:"label"`
	Script string `yaml:"script"`
}

// DiagnosticsSpec selects what is collected when the port never opens.
type DiagnosticsSpec struct {
	// Battery is one of gateway, minimal or none
	Battery string `yaml:"battery,omitempty"`

	// ExtraProbes run after the battery
	ExtraProbes []ExtraProbeSpec `yaml:"extraProbes,omitempty"`
}

// ExtraProbeSpec is a shell probe added to the diagnostic battery.
type ExtraProbeSpec struct {
	Description string `yaml:"description"`
	Script      string `yaml:"script"`
	// AsUser runs the script in the user's session
	AsUser bool `yaml:"asUser,omitempty"`
}

// TimeoutSpec defines timeout configurations.
type TimeoutSpec struct {
	// Activation is the max wait for the activation unit and config file
	Activation DurationString `yaml:"activation,omitempty"`

	// Unit is the max wait for a unit to become active
	Unit DurationString `yaml:"unit,omitempty"`

	// Socket is the max wait for the session bus socket
	Socket DurationString `yaml:"socket,omitempty"`

	// Port is the max wait for the service port
	Port DurationString `yaml:"port,omitempty"`

	// Poll is the interval between polling attempts
	Poll DurationString `yaml:"poll,omitempty"`
}

// Timeouts holds parsed timeouts.
type Timeouts struct {
	Activation time.Duration
	Unit       time.Duration
	Socket     time.Duration
	Port       time.Duration
	Poll       time.Duration
}

// Durations parses every timeout.
func (t TimeoutSpec) Durations() (Timeouts, error) {
	var (
		out Timeouts
		err error
	)

	for _, f := range []struct {
		name string
		in   DurationString
		out  *time.Duration
	}{
		{"activation", t.Activation, &out.Activation},
		{"unit", t.Unit, &out.Unit},
		{"socket", t.Socket, &out.Socket},
		{"port", t.Port, &out.Port},
		{"poll", t.Poll, &out.Poll},
	} {
		if *f.out, err = f.in.Duration(); err != nil {
			return Timeouts{}, fmt.Errorf("timeouts.%s: %w", f.name, err)
		}
	}

	return out, nil
}

// DurationString is a wrapper for time.Duration that supports YAML unmarshaling.
type DurationString string

// Duration parses the DurationString into a time.Duration.
func (d DurationString) Duration() (time.Duration, error) {
	if d == "" {
		return 0, nil
	}
	return time.ParseDuration(string(d))
}

// ExpectedOutcome documents the expected test outcome.
type ExpectedOutcome struct {
	// Status is the expected status (passed, failed)
	Status string `yaml:"status,omitempty"`

	// Description describes the expected outcome
	Description string `yaml:"description,omitempty"`
}
