package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoCases is wrapped by the LoadError returned when a build yields no cases
var ErrNoCases = errors.New("no cases could be loaded")

// LoadError reports a volume, or a whole input folder, that could not be
// loaded with the named loader
type LoadError struct {
	Path   string
	Loader string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("could not load %s with %s: %v", e.Path, e.Loader, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// SchemaError reports a manifest that lacks an expected column
type SchemaError struct {
	Column string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("column `%s` not found in manifest", e.Column)
}

// ValidationError aggregates data problems found in a manifest
type ValidationError struct {
	Validator string
	Issues    []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return e.Validator + ": manifest validation failed"
	}
	return e.Validator + ": " + strings.Join(e.Issues, "; ")
}

// Add records an issue; blank issues are ignored
func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

// OrNil returns nil when no issues were recorded
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}
