package reporting

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/jstemmer/go-junit-report/v2/junit"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/orchestration"
)

const junitSuiteName = "openclaw-vmtest"

// formatJUnit renders one test case per scenario. Only results that differ
// from their expected outcome are failures.
func formatJUnit(results []*orchestration.Result) (string, error) {
	suite := junit.Testsuite{
		Name:      junitSuiteName,
		Testcases: make([]junit.Testcase, 0, len(results)),
	}

	var total time.Duration
	for i, r := range results {
		if i == 0 {
			suite.Timestamp = r.StartTime.UTC().Format(time.RFC3339)
		}
		total += r.Duration

		tc := junit.Testcase{
			Name:      r.Scenario,
			Classname: junitSuiteName,
			Time:      seconds(r.Duration),
			SystemOut: &junit.Output{Data: timeline(r)},
		}

		if !r.AsExpected() {
			message := r.Error
			if r.Passed() {
				message = "scenario passed but was expected to fail"
			}
			tc.Failure = &junit.Result{
				Message: firstLine(message),
				Type:    string(r.FailedState),
				Data:    message,
			}
		}

		suite.AddTestcase(tc)
	}
	suite.Time = seconds(total)

	var suites junit.Testsuites
	suites.AddSuite(suite)

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JUnit XML: %w", err)
	}

	return xml.Header + string(data) + "\n", nil
}

func timeline(r *orchestration.Result) string {
	var sb strings.Builder
	for _, event := range r.Events {
		fmt.Fprintf(&sb, "%s %s %s", event.Timestamp.UTC().Format(time.RFC3339Nano), event.State, event.EventType)
		if event.Details != "" {
			sb.WriteString(" " + event.Details)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
