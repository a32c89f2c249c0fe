package manifest

import (
	"fmt"
	"sort"
	"strings"
)

// Validator checks a whole manifest before any case is processed. It returns
// a *SchemaError when an expected column is absent and a *ValidationError
// when the data itself is invalid.
type Validator interface {
	Validate(m *Manifest) error
}

// DefaultValidators returns the checks every run applies
func DefaultValidators() []Validator {
	return []Validator{UniqueImagesValidator{}, PathParityValidator{}}
}

// ValidateAll runs validators in order and stops at the first failure
func ValidateAll(m *Manifest, validators ...Validator) error {
	for _, v := range validators {
		if err := v.Validate(m); err != nil {
			return err
		}
	}
	return nil
}

// PathParityValidator checks that every CT volume has an MR-T1 counterpart
type PathParityValidator struct{}

func (PathParityValidator) Validate(m *Manifest) error {
	pathsCT, err := m.Column(ColumnPathCT)
	if err != nil {
		return err
	}
	pathsMRT1, err := m.Column(ColumnPathMRT1)
	if err != nil {
		return err
	}

	verr := &ValidationError{Validator: "path parity"}
	if len(pathsCT) != len(pathsMRT1) {
		verr.Add(fmt.Sprintf("the number of CT images (%d) and MR images (%d) is not equal",
			len(pathsCT), len(pathsMRT1)))
	}
	return verr.OrNil()
}

// UniqueImagesValidator checks that no image content appears twice across
// both modalities, so the same scan cannot be submitted for several cases
type UniqueImagesValidator struct{}

func (UniqueImagesValidator) Validate(m *Manifest) error {
	hashesCT, err := m.Column(ColumnHashCT)
	if err != nil {
		return err
	}
	hashesMRT1, err := m.Column(ColumnHashMRT1)
	if err != nil {
		return err
	}

	seen := make(map[string]int, len(hashesCT)+len(hashesMRT1))
	for _, h := range append(hashesCT, hashesMRT1...) {
		seen[h]++
	}

	var dups []string
	for h, n := range seen {
		if n > 1 {
			dups = append(dups, fmt.Sprintf("%s (x%d)", h, n))
		}
	}
	if len(dups) == 0 {
		return nil
	}
	sort.Strings(dups)
	verr := &ValidationError{Validator: "unique images"}
	verr.Add("the images are not unique, please submit a unique image for each case")
	verr.Add("duplicated hashes: " + strings.Join(dups, ", "))
	return verr
}
