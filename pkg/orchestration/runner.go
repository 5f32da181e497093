// Package orchestration drives an openclaw activation scenario through its
// states on a booted machine.
package orchestration

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/diagnostics"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/execcontext"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/machine"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/scenario"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// DefaultCleanupTimeout bounds the release of a booted machine.
const DefaultCleanupTimeout = 2 * time.Minute

var plain = execcontext.New(nil, nil)

// Runner executes scenarios. It is safe for concurrent use.
type Runner struct {
	booter         Booter
	logger         logr.Logger
	sink           io.Writer
	artifactDir    string
	probeTimeout   time.Duration
	cleanupTimeout time.Duration
	newRunID       func() string
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(logger logr.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithSink sets where diagnostic output is printed. Default stderr.
func WithSink(w io.Writer) Option {
	return func(r *Runner) {
		r.sink = w
	}
}

// WithArtifactDir makes diagnostics write one file per probe under
// <dir>/<scenario>/diagnostics.
func WithArtifactDir(dir string) Option {
	return func(r *Runner) {
		r.artifactDir = dir
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.probeTimeout = d
	}
}

func WithCleanupTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.cleanupTimeout = d
		}
	}
}

// NewRunner returns a Runner booting machines with booter.
func NewRunner(booter Booter, opts ...Option) *Runner {
	r := &Runner{
		booter:         booter,
		logger:         logr.Discard(),
		sink:           os.Stderr,
		cleanupTimeout: DefaultCleanupTimeout,
		newRunID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sink == nil {
		r.sink = io.Discard
	}
	r.sink = &lockedWriter{w: r.sink}
	return r
}

// execution is the state of a single scenario run.
type execution struct {
	scenario  *scenario.Scenario
	timeouts  scenario.Timeouts
	result    *Result
	logger    logr.Logger
	collector *diagnostics.Collector

	machine machine.Machine
	cleanup Cleanup
	session execcontext.Context
	// reloaded is set once the user manager re-read its units.
	reloaded bool
}

// Execute runs s from Booting to Verified. The result is returned even when
// the run fails; the error is a *StepError wrapping the original failure.
func (r *Runner) Execute(ctx context.Context, s *scenario.Scenario) (*Result, error) {
	result := &Result{
		Scenario:  s.Name,
		RunID:     r.newRunID(),
		Status:    "running",
		StartTime: time.Now(),
		Steps:     make([]StepResult, 0, 7),
		Events:    make([]TestEvent, 0),
		Expected:  s.ExpectedOutcome,
	}

	timeouts, err := s.Timeouts.Durations()
	if err != nil {
		result.State = StateFailed
		result.Status = StatusFailed
		result.Error = err.Error()
		result.EndTime = time.Now()
		return result, err
	}

	logger := r.logger.WithValues("scenario", s.Name, "runId", result.RunID)
	x := &execution{
		scenario:  s,
		timeouts:  timeouts,
		result:    result,
		logger:    logger,
		collector: r.collector(s, logger),
	}

	err = x.run(ctx, r.booter)

	if x.cleanup != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cleanupTimeout)
		if cerr := x.cleanup(cleanupCtx); cerr != nil {
			logger.Error(cerr, "cleanup failed")
			result.CleanupError = cerr.Error()
			result.recordEvent(result.State, "cleanup_failed", cerr.Error())
		}
		cancel()
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	if err != nil {
		result.State = StateFailed
		result.Status = StatusFailed
		result.Error = err.Error()
		logger.Info("scenario failed", "state", result.FailedState, "duration", result.Duration)
		return result, err
	}

	result.State = StateVerified
	result.Status = StatusPassed
	logger.Info("scenario passed", "duration", result.Duration)
	return result, nil
}

func (r *Runner) collector(s *scenario.Scenario, logger logr.Logger) *diagnostics.Collector {
	opts := []diagnostics.Option{
		diagnostics.WithSink(r.sink),
		diagnostics.WithLogger(logger),
		diagnostics.WithProbeTimeout(r.probeTimeout),
	}
	if r.artifactDir != "" {
		opts = append(opts, diagnostics.WithArtifactDir(filepath.Join(r.artifactDir, s.Name, "diagnostics")))
	}
	return diagnostics.NewCollector(opts...)
}

func (x *execution) run(ctx context.Context, booter Booter) error {
	steps := []struct {
		state State
		fn    func(context.Context) error
	}{
		{StateBooting, func(ctx context.Context) error { return x.boot(ctx, booter) }},
		{StateActivationWait, x.waitForActivation},
		{StateSessionBootstrap, x.bootstrapSession},
		{StatePreflight, x.preflight},
		{StateServiceStart, x.startService},
		{StatePortWait, x.waitForPort},
		{StateVerified, x.verify},
	}

	for _, step := range steps {
		if step.state == StatePreflight && !x.scenario.Preflight.Enabled {
			continue
		}
		if err := x.step(ctx, step.state, step.fn); err != nil {
			return err
		}
	}
	return nil
}

// step runs fn once as state and records its timing and events.
func (x *execution) step(ctx context.Context, state State, fn func(context.Context) error) error {
	x.result.State = state
	x.result.recordEvent(state, "state_enter", "")
	x.logger.Info("entering state", "state", state)

	start := time.Now()
	err := fn(ctx)
	sr := StepResult{State: state, Start: start, Duration: time.Since(start)}

	if err != nil {
		sr.Error = err.Error()
		x.result.Steps = append(x.result.Steps, sr)
		x.result.FailedState = state
		x.result.recordEvent(state, "state_failed", err.Error())
		return &StepError{State: state, Err: err}
	}

	x.result.Steps = append(x.result.Steps, sr)
	x.result.recordEvent(state, "state_success", "")
	return nil
}

func (x *execution) boot(ctx context.Context, booter Booter) error {
	m, cleanup, err := booter.Boot(ctx, BootRequest{
		RunID:        x.result.RunID,
		Scenario:     x.scenario,
		PollInterval: x.timeouts.Poll,
		Logger:       x.logger,
	})
	if err != nil {
		return err
	}
	x.machine = m
	x.cleanup = cleanup
	return nil
}

func (x *execution) waitForActivation(ctx context.Context) error {
	a := x.scenario.Activation

	check := execcontext.FormatCmd(plain,
		"systemctl", "show", "-p", "Result", a.Unit,
		"|", "grep", "-q", "Result=success")
	if _, err := x.machine.WaitUntilSucceeds(ctx, check, x.timeouts.Activation); err != nil {
		return err
	}

	_, err := x.machine.WaitUntilSucceeds(ctx, configCheck(a.ConfigFile), x.timeouts.Activation)
	return err
}

func (x *execution) bootstrapSession(ctx context.Context) error {
	user := x.scenario.User

	out, err := x.machine.Succeed(ctx, execcontext.FormatCmd(plain, "id", "-u", user))
	if err != nil {
		return err
	}
	uid := strings.TrimSpace(out)
	if _, err := strconv.ParseUint(uid, 10, 32); err != nil {
		return fmt.Errorf("%w: id -u %s printed %q", ErrInvalidUID, user, uid)
	}
	x.result.UID = uid
	x.session = execcontext.UserSession(user, uid)

	if _, err := x.machine.Succeed(ctx, execcontext.FormatCmd(plain, "loginctl", "enable-linger", user)); err != nil {
		return err
	}

	userManager := "user@" + uid + ".service"
	if _, err := x.machine.Succeed(ctx, execcontext.FormatCmd(plain, "systemctl", "start", userManager)); err != nil {
		return err
	}
	if err := x.machine.WaitForUnit(ctx, userManager, "", x.timeouts.Unit); err != nil {
		return err
	}

	socket := execcontext.FormatCmd(plain, "test", "-S", execcontext.SessionBus(uid))
	_, err = x.machine.WaitUntilSucceeds(ctx, socket, x.timeouts.Socket)
	return err
}

func (x *execution) startService(ctx context.Context) error {
	if err := x.daemonReload(ctx); err != nil {
		return err
	}

	unit := x.scenario.Service.Unit
	if _, err := x.machine.Succeed(ctx, execcontext.FormatCmd(x.session, "systemctl", "--user", "start", unit)); err != nil {
		return err
	}
	return x.machine.WaitForUnit(ctx, unit, x.scenario.User, x.timeouts.Unit)
}

func (x *execution) waitForPort(ctx context.Context) error {
	err := x.machine.WaitForOpenPort(ctx, x.scenario.Service.Port, x.timeouts.Port)
	if err == nil {
		return nil
	}

	x.result.recordEvent(StatePortWait, "port_timeout", err.Error())
	return x.collect(ctx, x.portBattery(), err)
}

func (x *execution) verify(ctx context.Context) error {
	_, err := x.machine.Succeed(ctx, configCheck(x.scenario.Activation.ConfigFile))
	return err
}

// daemonReload makes the user manager re-read its units, once per run.
func (x *execution) daemonReload(ctx context.Context) error {
	if x.reloaded {
		return nil
	}
	if _, err := x.machine.Succeed(ctx, execcontext.FormatCmd(x.session, "systemctl", "--user", "daemon-reload")); err != nil {
		return err
	}
	x.reloaded = true
	return nil
}

// collect runs battery and returns cause unchanged. Nothing is collected
// once ctx is done.
func (x *execution) collect(ctx context.Context, battery diagnostics.Battery, cause error) error {
	if len(battery) == 0 {
		return cause
	}
	if ctx.Err() != nil {
		x.logger.Info("skipping diagnostics, context is done", "probes", len(battery))
		return cause
	}

	x.result.recordEvent(x.result.State, "diagnostics_start", fmt.Sprintf("%d probes", len(battery)))
	report, err := x.collector.Capture(ctx, x.machine, battery, cause)
	x.result.Diagnostics = report
	x.result.recordEvent(x.result.State, "diagnostics_done",
		fmt.Sprintf("%d succeeded, %d failed", report.Succeeded(), report.Failed()))
	return err
}

// portBattery is the configured battery followed by the extra probes.
func (x *execution) portBattery() diagnostics.Battery {
	svc := x.scenario.Service
	target := diagnostics.GatewayTarget{
		Unit:         svc.Unit,
		Session:      x.session,
		ScratchDir:   svc.ScratchDir,
		LogFiles:     svc.LogFiles,
		ProcessNames: svc.ProcessNames,
	}

	var battery diagnostics.Battery
	switch x.scenario.Diagnostics.Battery {
	case scenario.BatteryGateway:
		battery = diagnostics.GatewayBattery(target)
	case scenario.BatteryMinimal:
		battery = diagnostics.MinimalBattery(target)
	}

	for _, extra := range x.scenario.Diagnostics.ExtraProbes {
		command := extra.Script
		if extra.AsUser {
			command = execcontext.FormatScript(x.session, extra.Script)
		}
		battery = append(battery, diagnostics.Probe{Description: extra.Description, Command: command})
	}

	return battery
}

func configCheck(path string) string {
	return execcontext.FormatCmd(plain, "test", "-f", path)
}

// lockedWriter serializes writes of concurrent scenarios.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
