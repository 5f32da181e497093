// Package extract pulls filesystem paths out of command output.
package extract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrNoMatch matches every *ExtractionFailure.
var ErrNoMatch = errors.New("no match")

const maxSourceInError = 512

// Pattern is a named regular expression. When Expr has a capture group the
// first group is the extracted value, otherwise the whole match.
type Pattern struct {
	Name string
	Expr *regexp.Regexp
}

// KeyValue matches the value following key= up to the next whitespace or
// semicolon, e.g. the path of an ExecStart line. Values never span lines.
func KeyValue(key string) Pattern {
	return Pattern{
		Name: key + "=",
		Expr: regexp.MustCompile(regexp.QuoteMeta(key) + `=([^\s;]+)`),
	}
}

// StoreBinary matches a binary named name inside a nix store path on a
// single line.
func StoreBinary(name string) Pattern {
	return Pattern{
		Name: "store binary " + name,
		Expr: regexp.MustCompile(`/nix/store/[^"\s]*/bin/` + regexp.QuoteMeta(name)),
	}
}

// Regexp compiles a custom pattern.
func Regexp(name, expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compiling pattern %s: %w", name, err)
	}
	return Pattern{Name: name, Expr: re}, nil
}

// ExtractionFailure reports a required path missing from Source.
type ExtractionFailure struct {
	// Context names the extraction, e.g. which link of a chain failed.
	Context string
	Pattern string
	Source  string
}

func (e *ExtractionFailure) Error() string {
	source := e.Source
	if len(source) > maxSourceInError {
		source = source[:maxSourceInError] + "...(truncated)"
	}
	return fmt.Sprintf("extraction %q failed: no match for %s in %q", e.Context, e.Pattern, source)
}

func (e *ExtractionFailure) Is(target error) bool {
	return target == ErrNoMatch
}

// Extract returns the first non-empty match of p in text, scanning left to
// right.
func Extract(text string, p Pattern) (string, error) {
	for _, m := range p.Expr.FindAllStringSubmatch(text, -1) {
		value := m[0]
		if len(m) > 1 {
			value = m[1]
		}
		if value != "" {
			return value, nil
		}
	}

	return "", &ExtractionFailure{
		Context: p.Name,
		Pattern: p.Expr.String(),
		Source:  text,
	}
}

// Source reads the text the next link of a Chain extracts from, given the
// path resolved by the previous link.
type Source func(ctx context.Context, path string) (string, error)

// Link is one extraction of a Chain.
type Link struct {
	Context string
	Pattern Pattern
}

// Chain resolves a sequence of paths where each path is found in the content
// of the previous one.
type Chain struct {
	Links []Link
	Read  Source
}

// Resolve extracts the first link from seed, then every following link from
// Read(previous path). It returns the resolved paths in link order.
func (c Chain) Resolve(ctx context.Context, seed string) ([]string, error) {
	paths := make([]string, 0, len(c.Links))
	text := seed

	for i, link := range c.Links {
		if i > 0 {
			var err error
			text, err = c.Read(ctx, paths[i-1])
			if err != nil {
				return paths, fmt.Errorf("%s: reading %s: %w", link.Context, paths[i-1], err)
			}
		}

		path, err := Extract(text, link.Pattern)
		if err != nil {
			var failure *ExtractionFailure
			if errors.As(err, &failure) && link.Context != "" {
				failure.Context = link.Context
			}
			return paths, err
		}
		paths = append(paths, path)
	}

	return paths, nil
}
