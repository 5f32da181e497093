// Package reporting renders scenario results for humans, tools and CI.
package reporting

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/orchestration"
)

// ReportFormat specifies the output format for reports
type ReportFormat string

const (
	// FormatJSON produces JSON-formatted reports
	FormatJSON ReportFormat = "json"
	// FormatText produces human-readable text reports
	FormatText ReportFormat = "text"
	// FormatJUnit produces JUnit XML consumed by CI systems
	FormatJUnit ReportFormat = "junit"
)

// ParseFormat returns the ReportFormat named s.
func ParseFormat(s string) (ReportFormat, error) {
	switch f := ReportFormat(s); f {
	case FormatJSON, FormatText, FormatJUnit:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

func (f ReportFormat) filename() string {
	switch f {
	case FormatJSON:
		return "report.json"
	case FormatJUnit:
		return "junit.xml"
	default:
		return "report.txt"
	}
}

// Reporter generates test result reports in various formats
type Reporter struct {
	artifactDir string
}

// NewReporter creates a new reporter instance
func NewReporter(artifactDir string) *Reporter {
	return &Reporter{
		artifactDir: artifactDir,
	}
}

// GenerateReport generates a report in the specified format and returns it as a string
func (r *Reporter) GenerateReport(results []*orchestration.Result, format ReportFormat) (string, error) {
	results = nonNil(results)

	switch format {
	case FormatJSON:
		return formatJSON(results)
	case FormatText:
		return formatText(results, r.artifactDir), nil
	case FormatJUnit:
		return formatJUnit(results)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// WriteReport generates a report and writes it to the artifact directory.
// It returns the path of the written file.
func (r *Reporter) WriteReport(results []*orchestration.Result, format ReportFormat) (string, error) {
	content, err := r.GenerateReport(results, format)
	if err != nil {
		return "", fmt.Errorf("failed to generate report: %w", err)
	}

	if err := os.MkdirAll(r.artifactDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	reportPath := filepath.Join(r.artifactDir, format.filename())
	if err := os.WriteFile(reportPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}

	return reportPath, nil
}

// PrintSummary prints a concise summary of results to w
func (r *Reporter) PrintSummary(w io.Writer, results []*orchestration.Result) error {
	_, err := io.WriteString(w, formatSummary(nonNil(results), r.artifactDir))
	return err
}

func nonNil(results []*orchestration.Result) []*orchestration.Result {
	out := make([]*orchestration.Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
