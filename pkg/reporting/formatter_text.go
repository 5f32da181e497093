package reporting

import (
	"fmt"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/orchestration"
	"github.com/charmbracelet/lipgloss"
)

var (
	stylePass    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleFail    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleHeading = lipgloss.NewStyle().Bold(true)
	styleFaint   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// Summary aggregates the results of a run.
type Summary struct {
	Total      int `json:"total"`
	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
	Unexpected int `json:"unexpected"`
}

// Summarize counts results. Unexpected counts results whose status differs
// from the expected outcome of their scenario.
func Summarize(results []*orchestration.Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Passed() {
			s.Passed++
		} else {
			s.Failed++
		}
		if !r.AsExpected() {
			s.Unexpected++
		}
	}
	return s
}

// formatText generates a human-readable text report
func formatText(results []*orchestration.Result, artifactDir string) string {
	var sb strings.Builder

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	sb.WriteString(styleHeading.Render("OPENCLAW VM TEST REPORT") + "\n")
	sb.WriteString(strings.Repeat("=", 80) + "\n\n")

	for i, r := range results {
		fmt.Fprintf(&sb, "[%d/%d] %s  %s\n", i+1, len(results), r.Scenario, formatStatus(r))
		fmt.Fprintf(&sb, "  Run ID:     %s\n", r.RunID)
		fmt.Fprintf(&sb, "  Started:    %s\n", r.StartTime.Format(time.RFC3339))
		fmt.Fprintf(&sb, "  Duration:   %.2fs\n", r.Duration.Seconds())
		if r.UID != "" {
			fmt.Fprintf(&sb, "  UID:        %s\n", r.UID)
		}
		if r.Expected != nil && r.Expected.Status != "" {
			fmt.Fprintf(&sb, "  Expected:   %s\n", r.Expected.Status)
		}

		if b := r.Binaries; b != (orchestration.Binaries{}) {
			sb.WriteString("  Binaries:\n")
			writeField(&sb, "    Wrapper:     ", b.Wrapper)
			writeField(&sb, "    Application: ", b.Application)
			writeField(&sb, "    Runtime:     ", b.Runtime)
		}

		if len(r.Steps) > 0 {
			sb.WriteString("  States:\n")
			for _, step := range r.Steps {
				symbol := stylePass.Render("✓")
				if !step.Succeeded() {
					symbol = styleFail.Render("✗")
				}
				fmt.Fprintf(&sb, "    %s %-17s %8.2fs\n", symbol, step.State, step.Duration.Seconds())
			}
		}

		if len(r.Events) > 0 {
			sb.WriteString("  Timeline:\n")
			for _, event := range r.Events {
				elapsed := event.Timestamp.Sub(r.StartTime).Seconds()
				line := fmt.Sprintf("%06.2fs  %-17s %s", elapsed, event.State, event.EventType)
				if event.Details != "" {
					line += " " + firstLine(event.Details)
				}
				sb.WriteString("    " + styleFaint.Render(line) + "\n")
			}
		}

		if d := r.Diagnostics; d != nil {
			fmt.Fprintf(&sb, "  Diagnostics (%d/%d probes succeeded):\n", d.Succeeded(), len(d.Outcomes))
			for _, o := range d.Outcomes {
				symbol := stylePass.Render("✓")
				if !o.Succeeded() {
					symbol = styleWarn.Render("!")
				}
				fmt.Fprintf(&sb, "    %s %s", symbol, o.Probe.Description)
				if o.Artifact != "" {
					fmt.Fprintf(&sb, " (%s)", o.Artifact)
				}
				sb.WriteString("\n")
			}
		}

		if r.Error != "" {
			fmt.Fprintf(&sb, "  Error:      %s\n", styleFail.Render(wrapText(r.Error, 14)))
		}
		if r.CleanupError != "" {
			fmt.Fprintf(&sb, "  Cleanup:    %s\n", styleWarn.Render(r.CleanupError))
		}
		sb.WriteString("\n")
	}

	s := Summarize(results)
	sb.WriteString(styleHeading.Render("SUMMARY") + "\n")
	sb.WriteString(strings.Repeat("-", 7) + "\n")
	fmt.Fprintf(&sb, "Total:      %d\n", s.Total)
	fmt.Fprintf(&sb, "Passed:     %d\n", s.Passed)
	fmt.Fprintf(&sb, "Failed:     %d\n", s.Failed)
	fmt.Fprintf(&sb, "Unexpected: %d\n", s.Unexpected)
	if artifactDir != "" {
		fmt.Fprintf(&sb, "\nArtifacts:  %s/\n", artifactDir)
	}

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	return sb.String()
}

// formatStatus formats status with color
func formatStatus(r *orchestration.Result) string {
	switch {
	case r.Passed() && r.AsExpected():
		return stylePass.Render("✓ PASSED")
	case r.Passed():
		return styleWarn.Render("⚠ PASSED (expected failure)")
	case r.AsExpected():
		return styleWarn.Render(fmt.Sprintf("✗ FAILED in %s (expected)", r.FailedState))
	default:
		return styleFail.Render(fmt.Sprintf("✗ FAILED in %s", r.FailedState))
	}
}

// formatSummary formats a concise summary for stdout
func formatSummary(results []*orchestration.Result, artifactDir string) string {
	var sb strings.Builder

	sb.WriteString("\n" + strings.Repeat("=", 60) + "\n")
	sb.WriteString(styleHeading.Render("TEST SUMMARY") + "\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")

	for _, r := range results {
		fmt.Fprintf(&sb, "%-40s %s (%.2fs)\n", r.Scenario, formatStatus(r), r.Duration.Seconds())
	}

	s := Summarize(results)
	fmt.Fprintf(&sb, "\nScenarios: %d total, %d passed, %d failed, %d unexpected\n",
		s.Total, s.Passed, s.Failed, s.Unexpected)

	if artifactDir != "" {
		fmt.Fprintf(&sb, "Artifacts: %s/\n", artifactDir)
	}
	sb.WriteString(strings.Repeat("=", 60) + "\n")

	return sb.String()
}

func writeField(sb *strings.Builder, label, value string) {
	if value != "" {
		sb.WriteString(label + value + "\n")
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// wrapText wraps text at word boundaries with indentation
func wrapText(text string, indent int) string {
	if len(text) <= 64 {
		return text
	}

	var result strings.Builder
	words := strings.Fields(text)
	lineLen := 0
	indentStr := strings.Repeat(" ", indent)

	for i, word := range words {
		if i > 0 && lineLen+len(word)+1 > 64 {
			result.WriteString("\n" + indentStr)
			lineLen = 0
		} else if i > 0 {
			result.WriteString(" ")
			lineLen++
		}
		result.WriteString(word)
		lineLen += len(word)
	}

	return result.String()
}
