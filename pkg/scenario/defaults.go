package scenario

// Defaults of the openclaw gateway packaging.
const (
	DefaultServiceUnit       = "openclaw-gateway.service"
	DefaultPort              = 18999
	DefaultScratchDir        = "/tmp/openclaw"
	DefaultAddonModule       = "@mariozechner/clipboard"
	DefaultAddonEnv          = "CLIPBOARD_MODULE"
	DefaultApplicationBinary = "openclaw"
	DefaultRuntimeBinary     = "node"

	DefaultActivationTimeout DurationString = "5m"
	DefaultUnitTimeout       DurationString = "2m"
	DefaultSocketTimeout     DurationString = "1m"
	DefaultPortTimeout       DurationString = "2m"
	DefaultPollInterval      DurationString = "1s"
)

// DefaultLogFiles are the gateway log files in the scratch directory.
func DefaultLogFiles() []string {
	return []string{"openclaw-gateway.log", "openclaw.log"}
}

// DefaultProbes load the clipboard add-on and call into it.
func DefaultProbes() []ProbeSpec {
	return []ProbeSpec{
		{
			Label:  "require-clipboard",
			Script: "require(process.env." + DefaultAddonEnv + ")",
		},
		{
			Label:  "clipboard-hasText",
			Script: "const c=require(process.env." + DefaultAddonEnv + "); console.log(c.hasText())",
		},
	}
}

// ApplyDefaults fills every unset field. Paths and units of the activation
// step are derived from User.
func ApplyDefaults(s *Scenario) {
	if s.Activation.Unit == "" && s.User != "" {
		s.Activation.Unit = "home-manager-" + s.User + ".service"
	}
	if s.Activation.ConfigFile == "" && s.User != "" {
		s.Activation.ConfigFile = "/home/" + s.User + "/.openclaw/openclaw.json"
	}

	setDefault(&s.Service.Unit, DefaultServiceUnit)
	if s.Service.Port == 0 {
		s.Service.Port = DefaultPort
	}
	setDefault(&s.Service.ScratchDir, DefaultScratchDir)
	if s.Service.LogFiles == nil {
		s.Service.LogFiles = DefaultLogFiles()
	}
	if s.Service.ProcessNames == nil {
		s.Service.ProcessNames = []string{DefaultApplicationBinary, DefaultRuntimeBinary}
	}

	if s.Preflight.Enabled {
		setDefault(&s.Preflight.AddonModule, DefaultAddonModule)
		setDefault(&s.Preflight.AddonEnv, DefaultAddonEnv)
		setDefault(&s.Preflight.ApplicationBinary, DefaultApplicationBinary)
		setDefault(&s.Preflight.RuntimeBinary, DefaultRuntimeBinary)
		if s.Preflight.Probes == nil {
			s.Preflight.Probes = DefaultProbes()
		}
	}

	setDefault(&s.Diagnostics.Battery, BatteryGateway)

	setDefault(&s.Timeouts.Activation, DefaultActivationTimeout)
	setDefault(&s.Timeouts.Unit, DefaultUnitTimeout)
	setDefault(&s.Timeouts.Socket, DefaultSocketTimeout)
	setDefault(&s.Timeouts.Port, DefaultPortTimeout)
	setDefault(&s.Timeouts.Poll, DefaultPollInterval)
}

func setDefault[T ~string](field *T, value T) {
	if *field == "" {
		*field = value
	}
}
