package reporting

import (
	"encoding/json"
	"fmt"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/orchestration"
)

type jsonReport struct {
	Summary Summary                 `json:"summary"`
	Results []*orchestration.Result `json:"results"`
}

// formatJSON converts results to pretty-printed JSON
func formatJSON(results []*orchestration.Result) (string, error) {
	data, err := json.MarshalIndent(jsonReport{
		Summary: Summarize(results),
		Results: results,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(data), nil
}
