/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package diagnostics runs best-effort introspection probes against a test
// machine after a failure.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/machine"
	"github.com/go-logr/logr"
)

// DefaultProbeTimeout bounds a single probe.
const DefaultProbeTimeout = 30 * time.Second

// Executor runs one-shot commands. machine.Machine satisfies it.
type Executor interface {
	Succeed(ctx context.Context, command string) (string, error)
}

// Probe is a read-only introspection command.
type Probe struct {
	Description string `json:"description"`
	Command     string `json:"command"`
}

// Battery is an ordered list of probes.
type Battery []Probe

// Outcome is the result of a single probe.
type Outcome struct {
	Probe    Probe         `json:"probe"`
	Output   string        `json:"output,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Artifact string        `json:"artifact,omitempty"`
}

// Succeeded reports whether the probe command exited zero.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Report is the result of a battery run.
type Report struct {
	Trigger   string    `json:"trigger,omitempty"`
	Outcomes  []Outcome `json:"outcomes"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// Succeeded returns the number of probes that exited zero.
func (r *Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			n++
		}
	}
	return n
}

// Failed returns the number of probes that did not exit zero.
func (r *Report) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Collector runs batteries. Probe failures never escape it.
type Collector struct {
	sink         io.Writer
	artifactDir  string
	logger       logr.Logger
	probeTimeout time.Duration
}

// Option configures a Collector.
type Option func(*Collector)

// WithSink sets where probe banners and output are written. Default stderr.
func WithSink(w io.Writer) Option {
	return func(c *Collector) {
		c.sink = w
	}
}

// WithArtifactDir makes the collector write each probe output to a file in
// dir. The directory is created if missing.
func WithArtifactDir(dir string) Option {
	return func(c *Collector) {
		c.artifactDir = dir
	}
}

func WithLogger(logger logr.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// NewCollector returns a Collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		sink:         os.Stderr,
		logger:       logr.Discard(),
		probeTimeout: DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sink == nil {
		c.sink = io.Discard
	}
	return c
}

// Run executes every probe of battery in order and records its outcome.
func (c *Collector) Run(ctx context.Context, m Executor, battery Battery, trigger error) *Report {
	report := &Report{
		Outcomes:  make([]Outcome, 0, len(battery)),
		StartTime: time.Now(),
	}
	if trigger != nil {
		report.Trigger = trigger.Error()
	}

	c.logger.Info("collecting diagnostics", "probes", len(battery))

	for i, probe := range battery {
		outcome := c.runProbe(ctx, m, probe)

		fmt.Fprintf(c.sink, "=== [%d/%d] %s ===\n", i+1, len(battery), probe.Description)
		if outcome.Output != "" {
			fmt.Fprintln(c.sink, strings.TrimRight(outcome.Output, "\n"))
		}
		if outcome.Err != nil {
			fmt.Fprintf(c.sink, "(probe failed: %s)\n", outcome.Error)
			c.logger.V(1).Info("probe failed", "probe", probe.Description, "error", outcome.Error)
		}

		if c.artifactDir != "" {
			outcome.Artifact = c.writeArtifact(i+1, outcome)
		}

		report.Outcomes = append(report.Outcomes, outcome)
	}

	report.EndTime = time.Now()
	c.logger.Info("diagnostics collected",
		"succeeded", report.Succeeded(),
		"failed", report.Failed(),
		"duration", report.EndTime.Sub(report.StartTime))

	return report
}

// Capture runs battery and returns cause unchanged alongside the report.
func (c *Collector) Capture(ctx context.Context, m Executor, battery Battery, cause error) (*Report, error) {
	return c.Run(ctx, m, battery, cause), cause
}

// CaptureAndReturn runs battery and returns cause unchanged.
func (c *Collector) CaptureAndReturn(ctx context.Context, m Executor, battery Battery, cause error) error {
	_, err := c.Capture(ctx, m, battery, cause)
	return err
}

func (c *Collector) runProbe(ctx context.Context, m Executor, probe Probe) Outcome {
	outcome := Outcome{Probe: probe, Started: time.Now()}

	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	out, err := c.succeed(probeCtx, m, probe.Command)
	outcome.Duration = time.Since(outcome.Started)
	outcome.Output = out

	if err != nil {
		outcome.Err = err
		outcome.Error = err.Error()

		var failure *machine.CommandFailure
		if errors.As(err, &failure) {
			outcome.Output = failure.Output()
			outcome.Error = fmt.Sprintf("exit code %d", failure.ExitCode)
		}
	}

	return outcome
}

// succeed shields the battery from executors that panic.
func (c *Collector) succeed(ctx context.Context, m Executor, command string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return m.Succeed(ctx, command)
}

func (c *Collector) writeArtifact(index int, outcome Outcome) string {
	if err := os.MkdirAll(c.artifactDir, 0o755); err != nil {
		c.logger.Error(err, "creating artifact directory", "dir", c.artifactDir)
		return ""
	}

	path := filepath.Join(c.artifactDir, fmt.Sprintf("%02d-%s.log", index, slug(outcome.Probe.Description)))

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n# command: %s\n", outcome.Probe.Description, outcome.Probe.Command)
	if outcome.Err != nil {
		fmt.Fprintf(&sb, "# error: %s\n", outcome.Error)
	}
	sb.WriteString(outcome.Output)

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		c.logger.Error(err, "writing probe artifact", "path", path)
		return ""
	}

	return path
}

func slug(s string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(sb.String(), "-")
	if out == "" {
		return "probe"
	}
	return out
}
