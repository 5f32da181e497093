package scenario

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// ValidationError represents a validation error with detailed context.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error in field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors represents multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var (
	userNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
	envKeyRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	binNameRe  = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

// Validate validates a Scenario and returns detailed validation errors.
// Defaults are expected to be applied beforehand.
func Validate(s *Scenario) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if s.Name == "" {
		add("name", "name is required")
	}
	if s.Description == "" {
		add("description", "description is required")
	}

	if s.User == "" {
		add("user", "user is required")
	} else if !userNameRe.MatchString(s.User) {
		add("user", "invalid user name '%s'", s.User)
	}

	validateUnit := func(field, unit string) {
		switch {
		case unit == "":
			add(field, "unit is required")
		case !strings.HasSuffix(unit, ".service"):
			add(field, "unit '%s' must end with .service", unit)
		case strings.ContainsAny(unit, " '\"/"):
			add(field, "invalid unit name '%s'", unit)
		}
	}
	validateAbs := func(field, p string) {
		if !path.IsAbs(p) {
			add(field, "path '%s' must be absolute", p)
		}
	}

	validateUnit("activation.unit", s.Activation.Unit)
	validateAbs("activation.configFile", s.Activation.ConfigFile)

	validateUnit("service.unit", s.Service.Unit)
	if s.Service.Port < 1 || s.Service.Port > 65535 {
		add("service.port", "port %d out of range 1-65535", s.Service.Port)
	}
	validateAbs("service.scratchDir", s.Service.ScratchDir)
	for i, name := range s.Service.LogFiles {
		if name == "" || path.IsAbs(name) || strings.Contains(name, "..") {
			add(fmt.Sprintf("service.logFiles[%d]", i), "log file '%s' must be a name relative to scratchDir", name)
		}
	}
	for i, name := range s.Service.ProcessNames {
		if name == "" {
			add(fmt.Sprintf("service.processNames[%d]", i), "process name is required")
		}
	}

	errs = append(errs, validatePreflight(s.Preflight)...)

	switch s.Diagnostics.Battery {
	case BatteryGateway, BatteryMinimal, BatteryNone:
	default:
		add("diagnostics.battery", "unknown battery '%s', must be one of: %s, %s, %s",
			s.Diagnostics.Battery, BatteryGateway, BatteryMinimal, BatteryNone)
	}
	for i, p := range s.Diagnostics.ExtraProbes {
		prefix := fmt.Sprintf("diagnostics.extraProbes[%d]", i)
		if p.Description == "" {
			add(prefix+".description", "description is required")
		}
		if p.Script == "" {
			add(prefix+".script", "script is required")
		}
	}

	errs = append(errs, validateTimeouts(s.Timeouts)...)

	if s.ExpectedOutcome != nil {
		switch s.ExpectedOutcome.Status {
		case "", "passed", "failed":
		default:
			add("expectedOutcome.status", "invalid status '%s', must be passed or failed", s.ExpectedOutcome.Status)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// validatePreflight validates the pre-flight section when it is enabled.
func validatePreflight(p PreflightSpec) ValidationErrors {
	var errs ValidationErrors
	if !p.Enabled {
		return errs
	}

	if p.AddonModule == "" {
		errs = append(errs, ValidationError{Field: "preflight.addonModule", Message: "addon module is required"})
	}
	if !envKeyRe.MatchString(p.AddonEnv) {
		errs = append(errs, ValidationError{
			Field:   "preflight.addonEnv",
			Message: fmt.Sprintf("invalid environment variable name '%s'", p.AddonEnv),
		})
	}
	for _, bin := range []struct{ field, name string }{
		{"preflight.applicationBinary", p.ApplicationBinary},
		{"preflight.runtimeBinary", p.RuntimeBinary},
	} {
		if !binNameRe.MatchString(bin.name) {
			errs = append(errs, ValidationError{
				Field:   bin.field,
				Message: fmt.Sprintf("invalid binary name '%s'", bin.name),
			})
		}
	}

	if len(p.Probes) == 0 {
		errs = append(errs, ValidationError{Field: "preflight.probes", Message: "at least one probe is required"})
	}
	labels := make(map[string]bool)
	for i, probe := range p.Probes {
		prefix := fmt.Sprintf("preflight.probes[%d]", i)
		if probe.Label == "" {
			errs = append(errs, ValidationError{Field: prefix + ".label", Message: "probe label is required"})
		} else if labels[probe.Label] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".label",
				Message: fmt.Sprintf("duplicate probe label '%s'", probe.Label),
			})
		}
		labels[probe.Label] = true

		if probe.Script == "" {
			errs = append(errs, ValidationError{Field: prefix + ".script", Message: "probe script is required"})
		}
	}

	return errs
}

// validateTimeouts validates timeout specifications.
func validateTimeouts(timeouts TimeoutSpec) ValidationErrors {
	var errs ValidationErrors

	validateTimeout := func(field string, duration DurationString) {
		if duration == "" {
			return
		}
		d, err := duration.Duration()
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "timeouts." + field,
				Message: fmt.Sprintf("invalid duration format: %v", err),
			})
			return
		}
		if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "timeouts." + field,
				Message: "duration must be positive",
			})
		}
	}

	validateTimeout("activation", timeouts.Activation)
	validateTimeout("unit", timeouts.Unit)
	validateTimeout("socket", timeouts.Socket)
	validateTimeout("port", timeouts.Port)
	validateTimeout("poll", timeouts.Poll)

	return errs
}
