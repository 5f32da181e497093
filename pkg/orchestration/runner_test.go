//go:build unit

package orchestration_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/execcontext"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/extract"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/machine"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/orchestration"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/scenario"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockMachine records every call so their order can be asserted.
type mockMachine struct {
	mock.Mock
}

func (m *mockMachine) Succeed(_ context.Context, command string) (string, error) {
	args := m.Called(command)
	return args.String(0), args.Error(1)
}

func (m *mockMachine) WaitUntilSucceeds(_ context.Context, command string, timeout time.Duration) (string, error) {
	args := m.Called(command, timeout)
	return args.String(0), args.Error(1)
}

func (m *mockMachine) WaitForUnit(_ context.Context, unit, user string, timeout time.Duration) error {
	return m.Called(unit, user, timeout).Error(0)
}

func (m *mockMachine) WaitForOpenPort(_ context.Context, port int, timeout time.Duration) error {
	return m.Called(port, timeout).Error(0)
}

const (
	userEnv = "DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/1000/bus XDG_RUNTIME_DIR=/run/user/1000"

	activationCheck = "systemctl show -p Result home-manager-alice.service | grep -q Result=success"
	configCheck     = "test -f /home/alice/.openclaw/openclaw.json"
	daemonReload    = "su - alice -c '" + userEnv + " systemctl --user daemon-reload'"
	startGateway    = "su - alice -c '" + userEnv + " systemctl --user start openclaw-gateway.service'"
	showExecStart   = "su - alice -c '" + userEnv + " systemctl --user show openclaw-gateway.service -p ExecStart --value'"

	gatewayWrapper = "/nix/store/aaa-openclaw-gateway/bin/openclaw-gateway"
	openclawBin    = "/nix/store/bbb-openclaw-1.0.0/bin/openclaw"
	nodeBin        = "/nix/store/ccc-nodejs-22.12.0/bin/node"
	nodeModules    = "/nix/store/bbb-openclaw-1.0.0/lib/openclaw/node_modules"

	execStartValue = "{ path=" + gatewayWrapper + " ; argv[]=" + gatewayWrapper + " gateway ; ignore_errors=no }"
	gatewayScript  = "#!/bin/sh\nexport OPENCLAW_NIX_MODE=1\nexec \"" + openclawBin + "\" gateway \"$@\"\n"
	openclawScript = "#!/bin/sh\nexec \"" + nodeBin + "\" /nix/store/bbb-openclaw-1.0.0/lib/openclaw/dist/index.js \"$@\"\n"
)

var (
	activationTimeout = 5 * time.Minute
	unitTimeout       = 2 * time.Minute
	socketTimeout     = time.Minute
	portTimeout       = 2 * time.Minute
)

func newScenario(mutators ...func(*scenario.Scenario)) *scenario.Scenario {
	s := &scenario.Scenario{
		Name:        "openclaw-gateway-basic",
		Description: "gateway opens its port after activation",
		User:        "alice",
	}
	for _, mutate := range mutators {
		mutate(s)
	}
	scenario.ApplyDefaults(s)
	return s
}

// fixture boots m and counts cleanups.
type fixture struct {
	m        *mockMachine
	cleanups int
	runner   *orchestration.Runner
}

func newFixture(opts ...orchestration.Option) *fixture {
	f := &fixture{m: &mockMachine{}}
	booter := orchestration.BooterFunc(func(context.Context, orchestration.BootRequest) (machine.Machine, orchestration.Cleanup, error) {
		return f.m, func(context.Context) error {
			f.cleanups++
			return nil
		}, nil
	})
	f.runner = orchestration.NewRunner(booter, append([]orchestration.Option{orchestration.WithSink(io.Discard)}, opts...)...)
	return f
}

// expectBootstrap registers the calls up to a running user manager.
func (f *fixture) expectBootstrap() []*mock.Call {
	return []*mock.Call{
		f.m.On("WaitUntilSucceeds", activationCheck, activationTimeout).Return("", nil).Once(),
		f.m.On("WaitUntilSucceeds", configCheck, activationTimeout).Return("", nil).Once(),
		f.m.On("Succeed", "id -u alice").Return("1000\n", nil).Once(),
		f.m.On("Succeed", "loginctl enable-linger alice").Return("", nil).Once(),
		f.m.On("Succeed", "systemctl start user@1000.service").Return("", nil).Once(),
		f.m.On("WaitForUnit", "user@1000.service", "", unitTimeout).Return(nil).Once(),
		f.m.On("WaitUntilSucceeds", "test -S /run/user/1000/bus", socketTimeout).Return("", nil).Once(),
	}
}

func (f *fixture) expectServiceStart() []*mock.Call {
	return []*mock.Call{
		f.m.On("Succeed", startGateway).Return("", nil).Once(),
		f.m.On("WaitForUnit", "openclaw-gateway.service", "alice", unitTimeout).Return(nil).Once(),
	}
}

func concat(calls ...[]*mock.Call) []*mock.Call {
	var out []*mock.Call
	for _, c := range calls {
		out = append(out, c...)
	}
	return out
}

func TestExecute_HappyPath(t *testing.T) {
	f := newFixture()

	mock.InOrder(concat(
		f.expectBootstrap(),
		[]*mock.Call{f.m.On("Succeed", daemonReload).Return("", nil).Once()},
		f.expectServiceStart(),
		[]*mock.Call{
			f.m.On("WaitForOpenPort", 18999, portTimeout).Return(nil).Once(),
			f.m.On("Succeed", configCheck).Return("", nil).Once(),
		},
	)...)

	result, err := f.runner.Execute(context.Background(), newScenario())
	require.NoError(t, err)

	f.m.AssertExpectations(t)
	assert.Equal(t, 1, f.cleanups)

	assert.Equal(t, orchestration.StateVerified, result.State)
	assert.Equal(t, orchestration.StatusPassed, result.Status)
	assert.Empty(t, result.FailedState)
	assert.True(t, result.AsExpected())
	assert.Equal(t, "1000", result.UID)
	assert.NotEmpty(t, result.RunID)
	assert.Nil(t, result.Diagnostics)

	states := make([]orchestration.State, 0, len(result.Steps))
	for _, step := range result.Steps {
		assert.True(t, step.Succeeded())
		states = append(states, step.State)
	}
	assert.Equal(t, []orchestration.State{
		orchestration.StateBooting,
		orchestration.StateActivationWait,
		orchestration.StateSessionBootstrap,
		orchestration.StateServiceStart,
		orchestration.StatePortWait,
		orchestration.StateVerified,
	}, states)
}

func TestExecute_PortNeverOpens(t *testing.T) {
	artifacts := t.TempDir()
	f := newFixture(orchestration.WithArtifactDir(artifacts))

	portErr := &machine.TimeoutFailure{Operation: "open port 18999", Timeout: portTimeout, Attempts: 120}

	mock.InOrder(concat(
		f.expectBootstrap(),
		[]*mock.Call{f.m.On("Succeed", daemonReload).Return("", nil).Once()},
		f.expectServiceStart(),
		[]*mock.Call{f.m.On("WaitForOpenPort", 18999, portTimeout).Return(portErr).Once()},
	)...)

	// Diagnostic probes; the first one fails and must not stop the battery.
	f.m.On("Succeed", mock.Anything).
		Return("", &machine.CommandFailure{Command: "probe", ExitCode: 3, Stderr: "Unit openclaw-gateway.service could not be found."}).Once()
	f.m.On("Succeed", mock.Anything).Return("probe output", nil)

	s := newScenario(func(s *scenario.Scenario) {
		s.Diagnostics.Battery = scenario.BatteryMinimal
		s.Diagnostics.ExtraProbes = []scenario.ExtraProbeSpec{
			{Description: "gateway config", Script: "cat /home/alice/.openclaw/openclaw.json"},
		}
	})

	result, err := f.runner.Execute(context.Background(), s)
	require.Error(t, err)

	var stepErr *orchestration.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, orchestration.StatePortWait, stepErr.State)

	var timeout *machine.TimeoutFailure
	require.ErrorAs(t, err, &timeout)
	assert.Same(t, portErr, timeout)
	assert.ErrorIs(t, err, machine.ErrTimeout)

	assert.Equal(t, orchestration.StateFailed, result.State)
	assert.Equal(t, orchestration.StatePortWait, result.FailedState)
	assert.Equal(t, orchestration.StatusFailed, result.Status)
	assert.False(t, result.AsExpected())
	assert.Equal(t, 1, f.cleanups)

	require.NotNil(t, result.Diagnostics)
	require.Len(t, result.Diagnostics.Outcomes, 4)
	assert.Equal(t, 1, result.Diagnostics.Failed())
	assert.Equal(t, "gateway config", result.Diagnostics.Outcomes[3].Probe.Description)
	assert.Equal(t, "cat /home/alice/.openclaw/openclaw.json", result.Diagnostics.Outcomes[3].Probe.Command)

	f.m.AssertNotCalled(t, "Succeed", configCheck)

	entries, err := os.ReadDir(filepath.Join(artifacts, s.Name, "diagnostics"))
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestExecute_ExpectedFailure(t *testing.T) {
	f := newFixture()

	f.m.On("WaitUntilSucceeds", activationCheck, activationTimeout).
		Return("", &machine.TimeoutFailure{Operation: activationCheck, Timeout: activationTimeout}).Once()

	s := newScenario(func(s *scenario.Scenario) {
		s.ExpectedOutcome = &scenario.ExpectedOutcome{Status: orchestration.StatusFailed}
	})

	result, err := f.runner.Execute(context.Background(), s)
	require.ErrorIs(t, err, machine.ErrTimeout)

	assert.Equal(t, orchestration.StateActivationWait, result.FailedState)
	assert.True(t, result.AsExpected())
	assert.Nil(t, result.Diagnostics)
	f.m.AssertNumberOfCalls(t, "Succeed", 0)
	assert.Equal(t, 1, f.cleanups)
}

func TestExecute_UnitFailed(t *testing.T) {
	f := newFixture()

	mock.InOrder(concat(
		f.expectBootstrap(),
		[]*mock.Call{
			f.m.On("Succeed", daemonReload).Return("", nil).Once(),
			f.m.On("Succeed", startGateway).Return("", nil).Once(),
			f.m.On("WaitForUnit", "openclaw-gateway.service", "alice", unitTimeout).
				Return(machine.ErrUnitFailed).Once(),
		},
	)...)

	result, err := f.runner.Execute(context.Background(), newScenario())
	require.ErrorIs(t, err, machine.ErrUnitFailed)
	assert.Equal(t, orchestration.StateServiceStart, result.FailedState)
	f.m.AssertNotCalled(t, "WaitForOpenPort", mock.Anything, mock.Anything)
}

func TestExecute_InvalidUID(t *testing.T) {
	f := newFixture()

	f.m.On("WaitUntilSucceeds", activationCheck, activationTimeout).Return("", nil).Once()
	f.m.On("WaitUntilSucceeds", configCheck, activationTimeout).Return("", nil).Once()
	f.m.On("Succeed", "id -u alice").Return("id: 'alice': no such user", nil).Once()

	result, err := f.runner.Execute(context.Background(), newScenario())
	require.ErrorIs(t, err, orchestration.ErrInvalidUID)
	assert.Equal(t, orchestration.StateSessionBootstrap, result.FailedState)
	assert.Empty(t, result.UID)
}

func TestExecute_BootFailure(t *testing.T) {
	bootErr := errors.New("no KVM")
	r := orchestration.NewRunner(orchestration.BooterFunc(
		func(context.Context, orchestration.BootRequest) (machine.Machine, orchestration.Cleanup, error) {
			return nil, nil, bootErr
		}), orchestration.WithSink(nil))

	result, err := r.Execute(context.Background(), newScenario())
	require.ErrorIs(t, err, bootErr)
	assert.Equal(t, orchestration.StateBooting, result.FailedState)
	require.Len(t, result.Steps, 1)
	assert.False(t, result.Steps[0].Succeeded())
}

func TestExecute_CleanupFailureIsRecorded(t *testing.T) {
	m := &mockMachine{}
	ctx, cancel := context.WithCancel(context.Background())
	m.On("WaitUntilSucceeds", activationCheck, activationTimeout).
		Run(func(mock.Arguments) { cancel() }).
		Return("", &machine.TimeoutFailure{Operation: activationCheck, Timeout: activationTimeout}).Once()

	var cleanupCtxErr error
	r := orchestration.NewRunner(orchestration.BooterFunc(
		func(context.Context, orchestration.BootRequest) (machine.Machine, orchestration.Cleanup, error) {
			return m, func(ctx context.Context) error {
				cleanupCtxErr = ctx.Err()
				return errors.New("domain is locked")
			}, nil
		}), orchestration.WithSink(io.Discard))

	result, err := r.Execute(ctx, newScenario())
	require.Error(t, err)
	assert.NoError(t, cleanupCtxErr)
	assert.Equal(t, "domain is locked", result.CleanupError)
}

func TestExecute_DiagnosticsSkippedOnCancelledContext(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock.InOrder(concat(
		f.expectBootstrap(),
		[]*mock.Call{f.m.On("Succeed", daemonReload).Return("", nil).Once()},
		f.expectServiceStart(),
		[]*mock.Call{
			f.m.On("WaitForOpenPort", 18999, portTimeout).
				Run(func(mock.Arguments) { cancel() }).
				Return(context.Canceled).Once(),
		},
	)...)

	result, err := f.runner.Execute(ctx, newScenario())
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, result.Diagnostics)
	f.m.AssertExpectations(t)
}

func preflightScenario() *scenario.Scenario {
	return newScenario(func(s *scenario.Scenario) {
		s.Name = "openclaw-gateway-preflight"
		s.Preflight.Enabled = true
	})
}

func probeCommand(script string) string {
	probeCtx := execcontext.With(execcontext.UserSession("alice", "1000"), map[string]string{
		"NODE_PATH":        nodeModules,
		"CLIPBOARD_MODULE": "@mariozechner/clipboard",
	})
	return execcontext.FormatCmd(probeCtx, nodeBin, "-e", script)
}

func (f *fixture) expectResolution() []*mock.Call {
	return []*mock.Call{
		f.m.On("Succeed", daemonReload).Return("", nil).Once(),
		f.m.On("Succeed", showExecStart).Return(execStartValue+"\n", nil).Once(),
		f.m.On("Succeed", "cat "+gatewayWrapper).Return(gatewayScript, nil).Once(),
		f.m.On("Succeed", "cat "+openclawBin).Return(openclawScript, nil).Once(),
	}
}

func TestExecute_Preflight(t *testing.T) {
	f := newFixture()
	probes := scenario.DefaultProbes()

	mock.InOrder(concat(
		f.expectBootstrap(),
		f.expectResolution(),
		[]*mock.Call{
			f.m.On("Succeed", probeCommand(probes[0].Script)).Return("", nil).Once(),
			f.m.On("Succeed", probeCommand(probes[1].Script)).Return("false", nil).Once(),
		},
		// daemon-reload is not repeated.
		f.expectServiceStart(),
		[]*mock.Call{
			f.m.On("WaitForOpenPort", 18999, portTimeout).Return(nil).Once(),
			f.m.On("Succeed", configCheck).Return("", nil).Once(),
		},
	)...)

	result, err := f.runner.Execute(context.Background(), preflightScenario())
	require.NoError(t, err)
	f.m.AssertExpectations(t)
	f.m.AssertNumberOfCalls(t, "Succeed", 11)

	assert.Equal(t, orchestration.Binaries{
		Wrapper:     gatewayWrapper,
		Application: openclawBin,
		Runtime:     nodeBin,
	}, result.Binaries)
	assert.Equal(t, orchestration.StatePreflight, result.Steps[3].State)
}

func TestExecute_PreflightProbeFailure(t *testing.T) {
	f := newFixture()
	probes := scenario.DefaultProbes()

	probeErr := &machine.CommandFailure{
		Command:  probeCommand(probes[1].Script),
		ExitCode: 1,
		Stderr:   "Error: Cannot find module '@mariozechner/clipboard-linux-x64-gnu'",
	}

	mock.InOrder(concat(
		f.expectBootstrap(),
		f.expectResolution(),
		[]*mock.Call{
			f.m.On("Succeed", probeCommand(probes[0].Script)).Return("", nil).Once(),
			f.m.On("Succeed", probeCommand(probes[1].Script)).Return("", probeErr).Once(),
		},
	)...)
	f.m.On("Succeed", mock.Anything).Return("", nil)

	result, err := f.runner.Execute(context.Background(), preflightScenario())
	require.Error(t, err)

	assert.ErrorIs(t, err, orchestration.ErrProbeFailed)
	assert.Contains(t, err.Error(), "clipboard-hasText")

	var failure *machine.CommandFailure
	require.ErrorAs(t, err, &failure)
	assert.Same(t, probeErr, failure)

	assert.Equal(t, orchestration.StatePreflight, result.FailedState)
	require.NotNil(t, result.Diagnostics)
	require.Len(t, result.Diagnostics.Outcomes, 6)
	assert.Equal(t, "echo 'fail-fast probe: clipboard-hasText'", result.Diagnostics.Outcomes[0].Probe.Command)
	assert.Equal(t, "ls -la /nix/store/bbb-openclaw-1.0.0/lib/openclaw", result.Diagnostics.Outcomes[1].Probe.Command)
	assert.Equal(t, "ls -la "+nodeModules+"/@mariozechner", result.Diagnostics.Outcomes[2].Probe.Command)

	f.m.AssertNotCalled(t, "Succeed", startGateway)
	f.m.AssertNotCalled(t, "WaitForOpenPort", mock.Anything, mock.Anything)
}

func TestExecute_PreflightExtractionFailure(t *testing.T) {
	tests := []struct {
		name      string
		execStart string
		gateway   string
		context   string
		resolved  orchestration.Binaries
	}{
		{
			name:      "ExecStart without path",
			execStart: "",
			context:   "ExecStart of openclaw-gateway.service",
		},
		{
			name:      "wrapper without application",
			execStart: execStartValue,
			gateway:   "#!/bin/sh\nexec /usr/bin/true\n",
			context:   "openclaw in service wrapper",
			resolved:  orchestration.Binaries{Wrapper: gatewayWrapper},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()

			calls := concat(f.expectBootstrap(), []*mock.Call{
				f.m.On("Succeed", daemonReload).Return("", nil).Once(),
				f.m.On("Succeed", showExecStart).Return(tt.execStart, nil).Once(),
			})
			if tt.gateway != "" {
				calls = append(calls, f.m.On("Succeed", "cat "+gatewayWrapper).Return(tt.gateway, nil).Once())
			}
			mock.InOrder(calls...)

			result, err := f.runner.Execute(context.Background(), preflightScenario())
			require.ErrorIs(t, err, extract.ErrNoMatch)

			var failure *extract.ExtractionFailure
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, tt.context, failure.Context)

			assert.Equal(t, orchestration.StatePreflight, result.FailedState)
			assert.Equal(t, tt.resolved, result.Binaries)
			assert.Nil(t, result.Diagnostics)
			f.m.AssertExpectations(t)
		})
	}
}

func TestExecute_InvalidTimeouts(t *testing.T) {
	f := newFixture()
	s := newScenario(func(s *scenario.Scenario) { s.Timeouts.Port = "forever" })

	result, err := f.runner.Execute(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, orchestration.StatusFailed, result.Status)
	assert.Equal(t, 0, f.cleanups)
}
