package orchestration

import (
	"context"
	"fmt"
	"path"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/diagnostics"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/execcontext"
	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/extract"
)

// preflight resolves the binaries behind the service unit and loads the
// native add-on with the resolved runtime before the service is started.
func (x *execution) preflight(ctx context.Context) error {
	p := x.scenario.Preflight
	unit := x.scenario.Service.Unit

	if err := x.daemonReload(ctx); err != nil {
		return err
	}

	execStart, err := x.machine.Succeed(ctx, execcontext.FormatCmd(x.session,
		"systemctl", "--user", "show", unit, "-p", "ExecStart", "--value"))
	if err != nil {
		return err
	}

	chain := extract.Chain{
		Links: []extract.Link{
			{Context: "ExecStart of " + unit, Pattern: extract.KeyValue("path")},
			{Context: p.ApplicationBinary + " in service wrapper", Pattern: extract.StoreBinary(p.ApplicationBinary)},
			{Context: p.RuntimeBinary + " in " + p.ApplicationBinary + " wrapper", Pattern: extract.StoreBinary(p.RuntimeBinary)},
		},
		Read: func(ctx context.Context, path string) (string, error) {
			return x.machine.Succeed(ctx, execcontext.FormatCmd(plain, "cat", path))
		},
	}

	paths, err := chain.Resolve(ctx, execStart)
	x.recordBinaries(paths)
	if err != nil {
		return err
	}

	application, runtime := paths[1], paths[2]
	libDir := path.Join(path.Dir(path.Dir(application)), "lib", p.ApplicationBinary)
	nodeModules := path.Join(libDir, "node_modules")

	probeCtx := execcontext.With(x.session, map[string]string{
		"NODE_PATH": nodeModules,
		p.AddonEnv:  p.AddonModule,
	})

	for _, probe := range p.Probes {
		x.result.recordEvent(StatePreflight, "probe_start", probe.Label)

		_, err := x.machine.Succeed(ctx, execcontext.FormatCmd(probeCtx, runtime, "-e", probe.Script))
		if err == nil {
			x.result.recordEvent(StatePreflight, "probe_success", probe.Label)
			continue
		}

		cause := fmt.Errorf("%w: %s: %w", ErrProbeFailed, probe.Label, err)
		x.result.recordEvent(StatePreflight, "probe_failed", cause.Error())

		return x.collect(ctx, diagnostics.AddonBattery(diagnostics.AddonTarget{
			Label:       probe.Label,
			LibDir:      libDir,
			NodeModules: nodeModules,
			Module:      p.AddonModule,
			EnvKey:      p.AddonEnv,
			Runtime:     runtime,
			Session:     probeCtx,
		}), cause)
	}

	return nil
}

func (x *execution) recordBinaries(paths []string) {
	fields := []*string{
		&x.result.Binaries.Wrapper,
		&x.result.Binaries.Application,
		&x.result.Binaries.Runtime,
	}
	for i, p := range paths {
		if i < len(fields) {
			*fields[i] = p
			x.result.recordEvent(StatePreflight, "binary_resolved", p)
		}
	}
}
