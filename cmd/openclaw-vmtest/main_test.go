//go:build unit

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/machine"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/orchestration"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/scenario"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioDir = "../../test/e2e/scenarios"

var errNoHypervisor = errors.New("no hypervisor")

func failingBooter() orchestration.Booter {
	return orchestration.BooterFunc(func(context.Context, orchestration.BootRequest) (machine.Machine, orchestration.Cleanup, error) {
		return nil, nil, errors.Join(orchestration.ErrBootFailed, errNoHypervisor)
	})
}

func mustParse(t *testing.T, doc string) *scenario.Scenario {
	t.Helper()
	s, err := scenario.Parse([]byte(doc))
	require.NoError(t, err)
	return s
}

func localConfig(t *testing.T) *Config {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Backend = BackendLocal
	cfg.ArtifactDir = filepath.Join(t.TempDir(), "artifacts")
	require.NoError(t, cfg.Validate())
	return cfg
}

const unbootable = `
name: openclaw-gateway-unbootable
description: the machine never boots
user: alice
service:
  unit: openclaw-gateway.service
  port: 18999
`

func TestRunScenarios_BootFailure(t *testing.T) {
	cfg := localConfig(t)
	cfg.ReportFormat = "json"
	cfg.MetricsPath = filepath.Join(t.TempDir(), "openclaw_vmtest.prom")

	var stdout, stderr bytes.Buffer
	code := runScenarios(context.Background(), cfg, logr.Discard(), failingBooter(),
		[]*scenario.Scenario{mustParse(t, unbootable)}, &stdout, &stderr)

	assert.Equal(t, exitFailure, code)

	var report struct {
		Results []struct {
			Scenario    string `json:"scenario"`
			FailedState string `json:"failedState"`
			Error       string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.Len(t, report.Results, 1)
	assert.Equal(t, "openclaw-gateway-unbootable", report.Results[0].Scenario)
	assert.Equal(t, "Booting", report.Results[0].FailedState)
	assert.Contains(t, report.Results[0].Error, "no hypervisor")

	assert.Contains(t, stderr.String(), "TEST SUMMARY")

	for _, name := range []string{"report.txt", "report.json", "junit.xml"} {
		assert.FileExists(t, filepath.Join(cfg.ArtifactDir, name))
	}

	metrics, err := os.ReadFile(cfg.MetricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `openclaw_vmtest_scenario_success{scenario="openclaw-gateway-unbootable"} 0`)
}

func TestRunScenarios_ExpectedFailure(t *testing.T) {
	cfg := localConfig(t)

	var stdout, stderr bytes.Buffer
	code := runScenarios(context.Background(), cfg, logr.Discard(), failingBooter(),
		[]*scenario.Scenario{mustParse(t, unbootable+`
expectedOutcome:
  status: failed
  description: no hypervisor on this host
`)}, &stdout, &stderr)

	assert.Equal(t, exitSuccess, code)
	assert.Contains(t, stdout.String(), "OPENCLAW VM TEST REPORT")
	assert.Contains(t, stdout.String(), "FAILED in Booting (expected)")
	assert.NotContains(t, stderr.String(), "TEST SUMMARY")
}

func TestExitCode(t *testing.T) {
	passed := &orchestration.Result{Status: orchestration.StatusPassed}
	failed := &orchestration.Result{Status: orchestration.StatusFailed}
	expectedFailure := &orchestration.Result{
		Status:   orchestration.StatusFailed,
		Expected: &scenario.ExpectedOutcome{Status: orchestration.StatusFailed},
	}

	assert.Equal(t, exitSuccess, exitCode(nil))
	assert.Equal(t, exitSuccess, exitCode([]*orchestration.Result{passed, expectedFailure}))
	assert.Equal(t, exitFailure, exitCode([]*orchestration.Result{passed, failed}))
	assert.Equal(t, exitFailure, exitCode([]*orchestration.Result{passed, nil}))
}

func TestFilterByTag(t *testing.T) {
	scenarios, err := scenario.NewLoader("").LoadDir(scenarioDir)
	require.NoError(t, err)

	assert.Len(t, filterByTag(scenarios, ""), len(scenarios))

	names := func(ss []*scenario.Scenario) []string {
		out := make([]string, 0, len(ss))
		for _, s := range ss {
			out = append(out, s.Name)
		}
		return out
	}

	assert.Equal(t, []string{"openclaw-gateway-basic"}, names(filterByTag(scenarios, "smoke")))
	assert.Equal(t,
		[]string{"openclaw-gateway-diagnostics", "openclaw-gateway-preflight"},
		names(filterByTag(scenarios, "diagnostics")))
	assert.Empty(t, filterByTag(scenarios, "nightly"))
}

func TestCmdListScenarios(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, cmdListScenarios([]string{"--dir", scenarioDir}, &out))

		assert.Contains(t, out.String(), "FILE")
		assert.Contains(t, out.String(), "openclaw-gateway-basic.yaml")
		assert.Contains(t, out.String(), "openclaw-gateway-preflight")
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, cmdListScenarios([]string{"--dir", scenarioDir, "--format", "json"}, &out))

		var infos []scenarioInfo
		require.NoError(t, json.Unmarshal(out.Bytes(), &infos))
		require.Len(t, infos, 3)

		byName := make(map[string]scenarioInfo, len(infos))
		for _, info := range infos {
			byName[info.Name] = info
		}
		assert.Equal(t, "minimal", byName["openclaw-gateway-basic"].Battery)
		assert.Equal(t, "passed", byName["openclaw-gateway-basic"].Expected)
		assert.True(t, byName["openclaw-gateway-preflight"].Preflight)
		assert.False(t, byName["openclaw-gateway-diagnostics"].Preflight)
	})

	t.Run("invalid format", func(t *testing.T) {
		err := cmdListScenarios([]string{"--dir", scenarioDir, "--format", "yaml"}, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("missing directory", func(t *testing.T) {
		err := cmdListScenarios([]string{"--dir", filepath.Join(t.TempDir(), "none")}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", truncateRunes("short", 60))

	long := strings.Repeat("é", 61)
	got := truncateRunes(long, 60)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 60, utf8.RuneCountInString(got))
	assert.Equal(t, strings.Repeat("é", 57)+"...", got)
}

func TestNewBooter(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		booter, closeBooter, err := newBooter(context.Background(), localConfig(t))
		require.NoError(t, err)
		assert.IsType(t, &orchestration.LocalBooter{}, booter)
		assert.NoError(t, closeBooter())
	})

	t.Run("ssh", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "id_ed25519")
		require.NoError(t, os.WriteFile(keyPath, []byte("not a key, parsed on dial"), 0o600))

		cfg := NewDefaultConfig()
		cfg.Backend = BackendSSH
		cfg.SSHHost = "192.168.122.10"
		cfg.SSHUser = "ops"
		cfg.SSHKeyPath = keyPath

		booter, _, err := newBooter(context.Background(), cfg)
		require.NoError(t, err)

		static, ok := booter.(*orchestration.StaticBooter)
		require.True(t, ok)
		assert.Equal(t, "192.168.122.10:22", static.Client.Addr())
		assert.Equal(t, []string{"sudo", "-n"}, static.Client.Base.PrependCmd())
	})

	t.Run("ssh missing key", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Backend = BackendSSH
		cfg.SSHHost = "192.168.122.10"
		cfg.SSHKeyPath = filepath.Join(t.TempDir(), "missing")

		_, _, err := newBooter(context.Background(), cfg)
		assert.Error(t, err)
	})
}
