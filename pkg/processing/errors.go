package processing

import (
	"fmt"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
)

// IntegrityError reports a volume whose content no longer matches the hash
// recorded in the manifest
type IntegrityError struct {
	Modality models.Modality
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s image hashes do not match for %s: manifest has %s, file has %s",
		e.Modality, e.Path, e.Expected, e.Actual)
}

// PluginError reports a predictor failure for one case
type PluginError struct {
	Case string
	Err  error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("predictor failed for %s: %v", e.Case, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}
