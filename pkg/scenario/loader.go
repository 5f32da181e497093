package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Loader loads test scenarios from YAML files.
type Loader struct {
	// basePath is the base directory for resolving relative paths
	basePath string
}

// NewLoader creates a new scenario loader.
// basePath is used to resolve relative scenario file paths.
// If basePath is empty, the current working directory is used.
func NewLoader(basePath string) *Loader {
	if basePath == "" {
		basePath = "."
	}
	return &Loader{
		basePath: basePath,
	}
}

// Load loads a scenario from a YAML file, applies defaults and validates it.
// The path can be absolute or relative to the loader's basePath.
func (l *Loader) Load(path string) (*Scenario, error) {
	resolvedPath, err := l.resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scenario path: %w", err)
	}

	return loadFile(resolvedPath)
}

func loadFile(resolvedPath string) (*Scenario, error) {
	data, err := os.ReadFile(resolvedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file %s: %w", resolvedPath, err)
	}

	scenario, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", resolvedPath, err)
	}

	return scenario, nil
}

// Parse decodes, defaults and validates a scenario document. Unknown fields
// are rejected.
func Parse(data []byte) (*Scenario, error) {
	var scenario Scenario

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	ApplyDefaults(&scenario)

	if err := Validate(&scenario); err != nil {
		return nil, fmt.Errorf("scenario validation failed: %w", err)
	}

	return &scenario, nil
}

// LoadMultiple loads multiple test scenarios from YAML files.
// Returns all successfully loaded scenarios and any errors encountered.
func (l *Loader) LoadMultiple(paths []string) ([]*Scenario, []error) {
	scenarios := make([]*Scenario, 0, len(paths))
	var errs []error

	for _, path := range paths {
		scenario, err := l.Load(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load %s: %w", path, err))
			continue
		}
		scenarios = append(scenarios, scenario)
	}

	return scenarios, errs
}

// LoadDir loads every *.yaml and *.yml file of dir in lexical order.
// Scenario names must be unique across the directory.
func (l *Loader) LoadDir(dir string) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(l.join(dir), pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to list scenarios in %s: %w", dir, err)
		}
		paths = append(paths, matches...)
	}
	slices.Sort(paths)

	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files found in %s", l.join(dir))
	}

	// Globbed paths already carry basePath.
	scenarios := make([]*Scenario, 0, len(paths))
	var errs []error
	for _, path := range paths {
		scenario, err := loadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load %s: %w", path, err))
			continue
		}
		scenarios = append(scenarios, scenario)
	}

	seen := make(map[string]bool, len(scenarios))
	for _, s := range scenarios {
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate scenario name '%s' in %s", s.Name, dir))
		}
		seen[s.Name] = true
	}

	return scenarios, errors.Join(errs...)
}

func (l *Loader) join(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.basePath, path)
}

// resolvePath resolves a file path relative to the loader's basePath.
// If the path is absolute, it is returned as-is.
// If the path is relative, it is joined with basePath.
func (l *Loader) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}

	resolvedPath := filepath.Join(l.basePath, path)

	if _, err := os.Stat(resolvedPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("scenario file does not exist: %s", resolvedPath)
		}
		return "", fmt.Errorf("failed to stat scenario file %s: %w", resolvedPath, err)
	}

	return resolvedPath, nil
}

// DefaultScenarioPath returns the default path for scenario files.
// This is typically "test/e2e/scenarios" relative to the project root.
func DefaultScenarioPath() string {
	return "test/e2e/scenarios"
}
