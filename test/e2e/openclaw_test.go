//go:build e2e

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

package e2e_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/openclaw-vmtest/internal/util/logging"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/network"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/orchestration"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/reporting"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/scenario"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenclawGateway_E2E boots one domain per shipped scenario from
// OPENCLAW_VMTEST_IMAGE, an image whose home configuration installs the
// openclaw gateway for alice.
func TestOpenclawGateway_E2E(t *testing.T) {
	image := os.Getenv("OPENCLAW_VMTEST_IMAGE")
	if image == "" {
		t.Skip("OPENCLAW_VMTEST_IMAGE is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	logger := logging.SetupDevelopment()
	artifactDir := filepath.Join(t.TempDir(), "artifacts")

	baseDir, err := vmm.PrepareBaseDir(filepath.Join(os.TempDir(), "openclaw-vmtest-e2e"))
	require.NoError(t, err)

	hv, err := vmm.NewVMM(vmm.WithBaseDir(baseDir))
	require.NoError(t, err)
	defer hv.Close()

	_, err = hv.EnsureNetwork(ctx, network.Config{Name: "default"})
	require.NoError(t, err)

	scenarios, err := scenario.NewLoader("").LoadDir("scenarios")
	require.NoError(t, err)

	runner := orchestration.NewRunner(
		&orchestration.LibvirtBooter{
			Hypervisor:  hv,
			ImagePath:   image,
			ArtifactDir: artifactDir,
		},
		orchestration.WithLogger(logger),
		orchestration.WithArtifactDir(artifactDir),
	)

	results, err := orchestration.RunAll(ctx, runner, scenarios, 2)
	if err != nil {
		t.Logf("scenario failures: %v", err)
	}

	reporter := reporting.NewReporter(artifactDir)
	report, err := reporter.GenerateReport(results, reporting.FormatText)
	require.NoError(t, err)
	t.Log("\n" + report)

	_, err = reporter.WriteReport(results, reporting.FormatJUnit)
	require.NoError(t, err)

	for _, r := range results {
		assert.True(t, r.AsExpected(), "%s: %s", r.Scenario, r.Error)
		assert.Empty(t, r.CleanupError, r.Scenario)

		exists, err := hv.DomainExists(orchestration.VMName(r.RunID))
		require.NoError(t, err)
		assert.False(t, exists, "%s: domain must be destroyed", r.Scenario)
	}
}
