package processing

import (
	"path/filepath"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/manifest"
)

// Artifact type tags consumed by the results aggregation
const (
	TypeOutputImage = "metaio_image"
	TypeCTImage     = "metaio_ct_image"
	TypeMRT1Image   = "metaio_mrt1_image"
)

// Artifact describes one file read or written for a case
type Artifact struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// PredictionResult is the result record of one case
type PredictionResult struct {
	Outputs       []Artifact `json:"outputs"`
	Inputs        []Artifact `json:"inputs"`
	ErrorMessages []string   `json:"error_messages"`

	// OutputPath is the full path of the written label volume, empty on failure
	OutputPath string `json:"-"`
}

func newResult(rec manifest.CaseRecord) *PredictionResult {
	return &PredictionResult{
		Outputs: []Artifact{},
		Inputs: []Artifact{
			{Type: TypeCTImage, Filename: filepath.Base(rec.PathCT)},
			{Type: TypeMRT1Image, Filename: filepath.Base(rec.PathMRT1)},
		},
		ErrorMessages: []string{},
	}
}

// Failed reports whether the case produced an error
func (r *PredictionResult) Failed() bool {
	return len(r.ErrorMessages) > 0
}

func (r *PredictionResult) fail(err error) *PredictionResult {
	r.Outputs = []Artifact{}
	r.OutputPath = ""
	r.ErrorMessages = append(r.ErrorMessages, err.Error())
	return r
}
