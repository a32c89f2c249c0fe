// Package manifest discovers the cases of a run, pairing CT and MR-T1 volumes,
// and validates the resulting case table before any case is processed.
package manifest

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
)

// Column names of the manifest table
const (
	ColumnHashCT   = "hash_ct"
	ColumnPathCT   = "path_ct"
	ColumnHashMRT1 = "hash_mrt1"
	ColumnPathMRT1 = "path_mrt1"
)

// Columns lists the manifest columns in their canonical order
var Columns = []string{ColumnHashCT, ColumnPathCT, ColumnHashMRT1, ColumnPathMRT1}

// CaseRecord is one row of the manifest: a CT volume and the MR-T1 volume of
// the same study
type CaseRecord struct {
	HashCT   string
	PathCT   string
	HashMRT1 string
	PathMRT1 string
}

// CT returns the CT side of the record
func (r CaseRecord) CT() models.VolumeRef {
	return models.VolumeRef{Hash: r.HashCT, Path: r.PathCT, Modality: models.CT}
}

// MRT1 returns the MR-T1 side of the record
func (r CaseRecord) MRT1() models.VolumeRef {
	return models.VolumeRef{Hash: r.HashMRT1, Path: r.PathMRT1, Modality: models.MRT1}
}

// Manifest is a column-oriented case table. Rows keep insertion order.
// It is built once and read-only afterwards.
type Manifest struct {
	order   []string
	columns map[string][]string
}

// New creates an empty manifest with the standard columns
func New() *Manifest {
	m := &Manifest{columns: make(map[string][]string)}
	for _, c := range Columns {
		m.addColumn(c)
	}
	return m
}

// FromColumns creates a manifest from raw column data. Columns may be missing
// or of unequal length; validators report such problems.
func FromColumns(columns map[string][]string) *Manifest {
	m := &Manifest{columns: make(map[string][]string)}
	for _, c := range Columns {
		if values, ok := columns[c]; ok {
			m.addColumn(c)
			m.columns[c] = append(m.columns[c], values...)
		}
	}
	return m
}

func (m *Manifest) addColumn(name string) {
	if _, ok := m.columns[name]; ok {
		return
	}
	m.order = append(m.order, name)
	m.columns[name] = nil
}

// Append adds a complete case row
func (m *Manifest) Append(rec CaseRecord) {
	m.appendValue(ColumnHashCT, rec.HashCT)
	m.appendValue(ColumnPathCT, rec.PathCT)
	m.appendValue(ColumnHashMRT1, rec.HashMRT1)
	m.appendValue(ColumnPathMRT1, rec.PathMRT1)
}

// AppendUnpaired adds a volume to its modality's columns only. The table
// becomes ragged and fails path parity validation.
func (m *Manifest) AppendUnpaired(ref models.VolumeRef) {
	switch ref.Modality {
	case models.CT:
		m.appendValue(ColumnHashCT, ref.Hash)
		m.appendValue(ColumnPathCT, ref.Path)
	case models.MRT1:
		m.appendValue(ColumnHashMRT1, ref.Hash)
		m.appendValue(ColumnPathMRT1, ref.Path)
	}
}

func (m *Manifest) appendValue(column, value string) {
	m.addColumn(column)
	m.columns[column] = append(m.columns[column], value)
}

// ColumnNames returns the columns present, in order
func (m *Manifest) ColumnNames() []string {
	return append([]string(nil), m.order...)
}

// Column returns a copy of the named column's values
func (m *Manifest) Column(name string) ([]string, error) {
	values, ok := m.columns[name]
	if !ok {
		return nil, &SchemaError{Column: name}
	}
	return append([]string(nil), values...), nil
}

// Len returns the number of complete rows, the length of the shortest column
func (m *Manifest) Len() int {
	n := -1
	for _, c := range Columns {
		l := len(m.columns[c])
		if n < 0 || l < n {
			n = l
		}
	}
	return n
}

// Rows returns all case records. It fails on a missing column or ragged table.
func (m *Manifest) Rows() ([]CaseRecord, error) {
	cols := make([][]string, len(Columns))
	for i, c := range Columns {
		values, err := m.Column(c)
		if err != nil {
			return nil, err
		}
		cols[i] = values
	}
	n := len(cols[0])
	for i, c := range cols {
		if len(c) != n {
			return nil, fmt.Errorf("column `%s` has %d values, `%s` has %d", Columns[i], len(c), Columns[0], n)
		}
	}

	rows := make([]CaseRecord, n)
	for i := range rows {
		rows[i] = CaseRecord{
			HashCT:   cols[0][i],
			PathCT:   cols[1][i],
			HashMRT1: cols[2][i],
			PathMRT1: cols[3][i],
		}
	}
	return rows, nil
}

// Lookup returns the row holding hash in either modality
func (m *Manifest) Lookup(hash string) (CaseRecord, bool) {
	rows, err := m.Rows()
	if err != nil {
		return CaseRecord{}, false
	}
	for _, r := range rows {
		if r.HashCT == hash || r.HashMRT1 == hash {
			return r, true
		}
	}
	return CaseRecord{}, false
}

// WriteTSV writes the manifest as a tab-separated table with a header row.
// Ragged tables are padded with empty cells.
func (m *Manifest) WriteTSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(m.order); err != nil {
		return err
	}
	longest := 0
	for _, c := range m.order {
		if l := len(m.columns[c]); l > longest {
			longest = l
		}
	}
	record := make([]string, len(m.order))
	for i := 0; i < longest; i++ {
		for j, c := range m.order {
			record[j] = ""
			if i < len(m.columns[c]) {
				record[j] = m.columns[c][i]
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTSV parses a manifest written by WriteTSV. Unknown columns are ignored;
// missing ones surface as SchemaError during validation.
func ReadTSV(r io.Reader) (*Manifest, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("error parsing manifest: missing header row")
	}

	header := records[0]
	columns := make(map[string][]string)
	for k, name := range header {
		values := make([]string, 0, len(records)-1)
		for _, rec := range records[1:] {
			values = append(values, rec[k])
		}
		// Trailing empty cells pad a short column
		for len(values) > 0 && values[len(values)-1] == "" {
			values = values[:len(values)-1]
		}
		columns[name] = values
	}
	return FromColumns(columns), nil
}
