package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/alexandremahdhaoui/openclaw-vmtest/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/openclaw-vmtest/internal/util/logging"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/orchestration"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/reporting"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/scenario"
	"github.com/go-logr/logr"
)

const name = "openclaw-vmtest"

// Exit codes
const (
	exitSuccess = 0 // Every scenario matched its expected outcome
	exitFailure = 1 // At least one scenario did not
	exitError   = 2 // Invalid arguments, configuration or scenario files
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "run":
		os.Exit(cmdRun(args))

	case "run-all":
		os.Exit(cmdRunAll(args))

	case "list-scenarios":
		if err := cmdListScenarios(args, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitError)
		}
		os.Exit(exitSuccess)

	case "-h", "--help", "help":
		printUsage()
		os.Exit(exitSuccess)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		printUsage()
		os.Exit(exitError)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %[1]s [command] [options]

Commands:
  run [options] <scenario-path>...
      Boot a machine per scenario and run it from Booting to Verified

  run-all [options]
      Run every scenario of the scenario directory

  list-scenarios [--dir <scenarios-dir>] [--format json|text]
      List all available test scenarios

  help
      Show this help message

Options:
  --backend string
      Machine provider: libvirt, ssh or local (default: libvirt)

  --format string
      Report printed to stdout: text, json or junit (default: text)

  --artifact-dir string
      Where reports, probe outputs and console logs are written

  --dir string
      Scenario directory (default: %[2]s)

  --tag string
      run-all: only run scenarios carrying this tag

  --parallelism int
      run-all: scenarios run at once (default: 1)

Environment Variables:
  %[3]s  JSON configuration file
  OPENCLAW_VMTEST_BACKEND       Override the backend
  OPENCLAW_VMTEST_IMAGE         qcow2 image of the libvirt backend
  OPENCLAW_VMTEST_SSH_HOST      Host of the ssh backend
  OPENCLAW_VMTEST_SSH_KEY       Private key of the ssh backend
  OPENCLAW_VMTEST_ARTIFACT_DIR  Override the artifact directory
  OPENCLAW_VMTEST_SCENARIOS     Override the scenario directory
  OPENCLAW_VMTEST_METRICS_PATH  Prometheus textfile written after a run

Examples:
  # Run a scenario in a fresh libvirt domain
  OPENCLAW_VMTEST_IMAGE=/var/lib/images/openclaw.qcow2 %[1]s run openclaw-gateway-basic.yaml

  # Run every scenario against an existing host, JUnit on stdout
  %[1]s run-all --backend ssh --format junit > junit.xml

  # Run inside the guest
  %[1]s run --backend local /etc/openclaw-vmtest/openclaw-gateway-preflight.yaml

Exit Codes:
  0    Every scenario matched its expected outcome
  1    At least one scenario did not
  2    Invalid arguments, configuration or scenario files
  130  Interrupted
`, name, scenario.DefaultScenarioPath(), ConfigPathEnvKey)
}

// commonFlags are the flags shared by run and run-all.
type commonFlags struct {
	backend     string
	format      string
	artifactDir string
	dir         string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.backend, "backend", "", "Machine provider: libvirt, ssh or local")
	fs.StringVar(&f.format, "format", "", "Report format: text, json or junit")
	fs.StringVar(&f.artifactDir, "artifact-dir", "", "Artifact directory")
	fs.StringVar(&f.dir, "dir", "", "Scenario directory")
}

// loadConfig loads the configuration and applies the flags over it.
func (f *commonFlags) loadConfig() (*Config, error) {
	cfg, err := readConfig(os.Getenv(ConfigPathEnvKey))
	if err != nil {
		return nil, err
	}

	for _, o := range []struct {
		flag  string
		field *string
	}{
		{f.backend, &cfg.Backend},
		{f.format, &cfg.ReportFormat},
		{f.artifactDir, &cfg.ArtifactDir},
		{f.dir, &cfg.ScenarioDir},
	} {
		if o.flag != "" {
			*o.field = o.flag
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// cmdRun executes the given scenario files
func cmdRun(args []string) int {
	var flags commonFlags
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	flags.register(fs)
	_ = fs.Parse(args) // Error is handled by flag.ExitOnError

	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Error: 'run' requires at least one <scenario-path>\n")
		fmt.Fprintf(os.Stderr, "Usage: %s run [options] <scenario-path>...\n", name)
		return exitError
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	scenarios, errs := scenario.NewLoader(cfg.ScenarioDir).LoadMultiple(fs.Args())
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return exitError
	}

	return execute(cfg, scenarios)
}

// cmdRunAll executes every scenario of the scenario directory
func cmdRunAll(args []string) int {
	var flags commonFlags
	fs := flag.NewFlagSet("run-all", flag.ExitOnError)
	flags.register(fs)
	tag := fs.String("tag", "", "Only run scenarios carrying this tag")
	parallelism := fs.Int("parallelism", 0, "Scenarios run at once")
	_ = fs.Parse(args) // Error is handled by flag.ExitOnError

	cfg, err := flags.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if *parallelism > 0 {
		cfg.Parallelism = *parallelism
	}

	scenarios, err := scenario.NewLoader("").LoadDir(cfg.ScenarioDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	scenarios = filterByTag(scenarios, *tag)
	if len(scenarios) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no scenario in %s carries tag '%s'\n", cfg.ScenarioDir, *tag)
		return exitError
	}

	return execute(cfg, scenarios)
}

// execute runs scenarios until they complete or a signal is received. The
// process exits once every booted machine is cleaned up.
func execute(cfg *Config, scenarios []*scenario.Scenario) int {
	logger := logging.Setup(cfg.LoggingOptions())

	gs := gracefulshutdown.New(name)
	gs.WaitGroup().Add(1)
	gs.Ready()

	code := func() int {
		defer gs.WaitGroup().Done()

		booter, closeBooter, err := newBooter(gs.Context(), cfg)
		if err != nil {
			logger.Error(err, "failed to set up backend", "backend", cfg.Backend)
			return exitError
		}
		defer func() {
			if err := closeBooter(); err != nil {
				logger.Error(err, "failed to close backend")
			}
		}()

		return runScenarios(gs.Context(), cfg, logger, booter, scenarios, os.Stdout, os.Stderr)
	}()

	gs.Shutdown(code)
	return code
}

// runScenarios runs scenarios, prints the report to stdout and writes the
// artifacts. It returns the exit code of the run.
func runScenarios(
	ctx context.Context,
	cfg *Config,
	logger logr.Logger,
	booter orchestration.Booter,
	scenarios []*scenario.Scenario,
	stdout, stderr io.Writer,
) int {
	probeTimeout, _ := cfg.ProbeTimeout.Duration()
	cleanupTimeout, _ := cfg.CleanupTimeout.Duration()

	runner := orchestration.NewRunner(booter,
		orchestration.WithLogger(logger),
		orchestration.WithSink(stderr),
		orchestration.WithArtifactDir(cfg.ArtifactDir),
		orchestration.WithProbeTimeout(probeTimeout),
		orchestration.WithCleanupTimeout(cleanupTimeout),
	)

	logger.Info("running scenarios", "count", len(scenarios), "backend", cfg.Backend, "parallelism", cfg.Parallelism)
	results, err := orchestration.RunAll(ctx, runner, scenarios, cfg.Parallelism)
	if err != nil {
		logger.V(1).Info("scenarios failed", "error", err.Error())
	}

	format, _ := reporting.ParseFormat(cfg.ReportFormat)
	reporter := reporting.NewReporter(cfg.ArtifactDir)

	report, err := reporter.GenerateReport(results, format)
	if err != nil {
		logger.Error(err, "failed to generate report")
		return exitError
	}
	_, _ = io.WriteString(stdout, report)

	if cfg.ArtifactDir != "" {
		for _, f := range []reporting.ReportFormat{reporting.FormatText, reporting.FormatJSON, reporting.FormatJUnit} {
			path, err := reporter.WriteReport(results, f)
			if err != nil {
				logger.Error(err, "failed to write report", "format", f)
				continue
			}
			logger.V(1).Info("wrote report", "path", path)
		}
	}

	if cfg.MetricsPath != "" {
		metrics := reporting.NewMetrics()
		for _, r := range results {
			metrics.Observe(r)
		}
		if err := metrics.WriteTextfile(cfg.MetricsPath); err != nil {
			logger.Error(err, "failed to write metrics")
		}
	}

	if format != reporting.FormatText {
		_ = reporter.PrintSummary(stderr, results)
	}

	return exitCode(results)
}

// exitCode is exitSuccess when every result matches its expected outcome.
func exitCode(results []*orchestration.Result) int {
	for _, r := range results {
		if r == nil || !r.AsExpected() {
			return exitFailure
		}
	}
	return exitSuccess
}

func filterByTag(scenarios []*scenario.Scenario, tag string) []*scenario.Scenario {
	if tag == "" {
		return scenarios
	}
	out := make([]*scenario.Scenario, 0, len(scenarios))
	for _, s := range scenarios {
		if s.HasTag(tag) {
			out = append(out, s)
		}
	}
	return out
}

// cmdListScenarios lists all available test scenarios
func cmdListScenarios(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("list-scenarios", flag.ExitOnError)
	dir := fs.String("dir", "", "Scenario directory")
	format := fs.String("format", "text", "Output format: json or text")
	_ = fs.Parse(args) // Error is handled by flag.ExitOnError

	scenarioDir := *dir
	if scenarioDir == "" {
		scenarioDir = getEnvOrDefault(envPrefix+"SCENARIOS", scenario.DefaultScenarioPath())
	}

	if *format != "json" && *format != "text" {
		return fmt.Errorf("invalid format '%s', must be 'json' or 'text'", *format)
	}

	entries, err := os.ReadDir(scenarioDir)
	if err != nil {
		return fmt.Errorf("failed to read scenario directory %s: %w", scenarioDir, err)
	}

	loader := scenario.NewLoader(scenarioDir)
	scenarios := make([]scenarioInfo, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext := filepath.Ext(entry.Name()); ext != ".yaml" && ext != ".yml" {
			continue
		}

		s, err := loader.Load(entry.Name())
		if err != nil {
			// Skip invalid scenarios
			fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", entry.Name(), err)
			continue
		}

		info := scenarioInfo{
			File:        entry.Name(),
			Name:        s.Name,
			Description: s.Description,
			Tags:        s.Tags,
			Preflight:   s.Preflight.Enabled,
			Battery:     s.Diagnostics.Battery,
		}
		if s.ExpectedOutcome != nil {
			info.Expected = s.ExpectedOutcome.Status
		}
		scenarios = append(scenarios, info)
	}

	if *format == "json" {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(scenarios)
	}

	if len(scenarios) == 0 {
		_, err := fmt.Fprintln(stdout, "No scenarios found")
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tNAME\tTAGS\tBATTERY\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "----\t----\t----\t-------\t-----------")

	for _, s := range scenarios {
		tags := ""
		if len(s.Tags) > 0 {
			tags = fmt.Sprintf("%v", s.Tags)
		}

		desc, _, _ := strings.Cut(s.Description, "\n")
		desc = truncateRunes(desc, 60)

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.File, s.Name, tags, s.Battery, desc)
	}

	return w.Flush()
}

// scenarioInfo holds scenario metadata for listing
type scenarioInfo struct {
	File        string   `json:"file"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Preflight   bool     `json:"preflight"`
	Battery     string   `json:"battery"`
	Expected    string   `json:"expected,omitempty"`
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// truncateRunes shortens s to at most limit runes, ending with "...".
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-3]) + "..."
}
