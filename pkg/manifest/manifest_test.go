package manifest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/metaio"
)

// writeVolume writes a small volume whose content is determined by seed
func writeVolume(t *testing.T, path string, seed int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	vol := models.NewVolume(3, 3, 2, models.ElementShort)
	for i := range vol.Data {
		vol.Data[i] = float64(seed*100 + i)
	}
	require.NoError(t, metaio.NewWriter(true).Write(path, vol))
}

// writeGarbage writes a file the loader cannot decode
func writeGarbage(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("not a volume"), 0644))
}

// createCaseFolder writes one CT and one MR-T1 volume per case name
func createCaseFolder(t *testing.T, names ...string) string {
	t.Helper()
	root := t.TempDir()
	for i, name := range names {
		writeVolume(t, filepath.Join(root, "ct", name+"_CT.mha"), 2*i)
		writeVolume(t, filepath.Join(root, "t1-mri", name+"_MR_T1.mha"), 2*i+1)
	}
	return root
}

func TestBuildPairsSortedListings(t *testing.T) {
	root := createCaseFolder(t, "case_10", "case_2", "case_1")

	m, err := NewBuilder(metaio.NewLoader()).Build(context.Background(), root)
	require.NoError(t, err)

	rows, err := m.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	wantCT := []string{"case_1_CT.mha", "case_2_CT.mha", "case_10_CT.mha"}
	wantMR := []string{"case_1_MR_T1.mha", "case_2_MR_T1.mha", "case_10_MR_T1.mha"}
	for i, r := range rows {
		assert.Equal(t, filepath.Join(root, "ct", wantCT[i]), r.PathCT)
		assert.Equal(t, filepath.Join(root, "t1-mri", wantMR[i]), r.PathMRT1)
		assert.NotEmpty(t, r.HashCT)
		assert.NotEqual(t, r.HashCT, r.HashMRT1)
	}
	assert.NoError(t, ValidateAll(m, DefaultValidators()...))
}

func TestBuildSkipsUnreadablePair(t *testing.T) {
	root := createCaseFolder(t, "a", "b", "c")
	writeGarbage(t, filepath.Join(root, "ct", "b_CT.mha"))

	core, logs := observer.New(zapcore.InfoLevel)
	m, err := NewBuilder(metaio.NewLoader(), WithLogger(zap.New(core))).Build(context.Background(), root)
	require.NoError(t, err)

	rows, err := m.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a_CT.mha", filepath.Base(rows[0].PathCT))
	assert.Equal(t, "c_CT.mha", filepath.Base(rows[1].PathCT))

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("Could not load pair").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "b_CT.mha", warnings[0].ContextMap()["ct"])
}

func TestBuildSkipsPairWithOversizedHeader(t *testing.T) {
	root := createCaseFolder(t, "a", "b")
	header := "ObjectType = Image\nNDims = 3\nDimSize = 100000000 100000000 100000000\n" +
		"ElementType = MET_SHORT\nElementDataFile = LOCAL\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "ct", "a_CT.mha"), []byte(header), 0644))

	core, logs := observer.New(zapcore.InfoLevel)
	m, err := NewBuilder(metaio.NewLoader(), WithLogger(zap.New(core))).Build(context.Background(), root)
	require.NoError(t, err)

	rows, err := m.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b_CT.mha", filepath.Base(rows[0].PathCT))
	assert.Equal(t, 1, logs.FilterMessage("Could not load pair").Len())
}

func TestBuildFailsWhenNothingLoads(t *testing.T) {
	root := t.TempDir()
	writeGarbage(t, filepath.Join(root, "ct", "a.mha"))
	writeVolume(t, filepath.Join(root, "t1-mri", "a.mha"), 1)

	_, err := NewBuilder(metaio.NewLoader()).Build(context.Background(), root)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCases))

	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, root, loadErr.Path)
	assert.Equal(t, "MetaImageLoader", loadErr.Loader)
}

func TestBuildEmptyFolder(t *testing.T) {
	_, err := NewBuilder(metaio.NewLoader()).Build(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrNoCases)
}

func TestBuildFilter(t *testing.T) {
	root := createCaseFolder(t, "keep_1", "drop_2")

	t.Run("MatchesBothPaths", func(t *testing.T) {
		filter := regexp.MustCompile(regexp.QuoteMeta(root) + ".*/keep_")
		m, err := NewBuilder(metaio.NewLoader(), WithFilter(filter)).Build(context.Background(), root)
		require.NoError(t, err)
		rows, err := m.Rows()
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Contains(t, rows[0].PathCT, "keep_1")
	})

	t.Run("AnchoredAtStart", func(t *testing.T) {
		filter := regexp.MustCompile("keep_")
		_, err := NewBuilder(metaio.NewLoader(), WithFilter(filter)).Build(context.Background(), root)
		assert.ErrorIs(t, err, ErrNoCases)
	})
}

func TestBuildUnequalListings(t *testing.T) {
	root := createCaseFolder(t, "a", "b")
	writeVolume(t, filepath.Join(root, "ct", "c_CT.mha"), 99)

	t.Run("RecordsSurplus", func(t *testing.T) {
		m, err := NewBuilder(metaio.NewLoader()).Build(context.Background(), root)
		require.NoError(t, err)
		assert.Equal(t, 2, m.Len())

		err = ValidateAll(m, DefaultValidators()...)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
		assert.Contains(t, verr.Error(), "(3)")
		assert.Contains(t, verr.Error(), "(2)")

		_, err = m.Rows()
		assert.Error(t, err)
	})

	t.Run("Truncates", func(t *testing.T) {
		m, err := NewBuilder(metaio.NewLoader(), WithTruncateUnpaired(true)).Build(context.Background(), root)
		require.NoError(t, err)
		assert.Equal(t, 2, m.Len())
		assert.NoError(t, ValidateAll(m, DefaultValidators()...))
	})
}

func TestBuildHonoursCancellation(t *testing.T) {
	root := createCaseFolder(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBuilder(metaio.NewLoader()).Build(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUniqueImagesValidator(t *testing.T) {
	m := New()
	m.Append(CaseRecord{HashCT: "h1", PathCT: "ct/a", HashMRT1: "h2", PathMRT1: "mr/a"})
	m.Append(CaseRecord{HashCT: "h3", PathCT: "ct/b", HashMRT1: "h1", PathMRT1: "mr/b"})

	err := UniqueImagesValidator{}.Validate(m)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "h1 (x2)")

	// No row is dropped by validation
	assert.Equal(t, 2, m.Len())
}

func TestValidatorsReportMissingColumns(t *testing.T) {
	for _, tc := range []struct {
		name      string
		validator Validator
		drop      string
	}{
		{"parity without path_ct", PathParityValidator{}, ColumnPathCT},
		{"parity without path_mrt1", PathParityValidator{}, ColumnPathMRT1},
		{"unique without hash_ct", UniqueImagesValidator{}, ColumnHashCT},
		{"unique without hash_mrt1", UniqueImagesValidator{}, ColumnHashMRT1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			columns := map[string][]string{
				ColumnHashCT:   {"h1"},
				ColumnPathCT:   {"ct/a"},
				ColumnHashMRT1: {"h2"},
				ColumnPathMRT1: {"mr/a"},
			}
			delete(columns, tc.drop)

			err := tc.validator.Validate(FromColumns(columns))
			var schemaErr *SchemaError
			require.True(t, errors.As(err, &schemaErr), "expected schema error, got %v", err)
			assert.Equal(t, tc.drop, schemaErr.Column)
		})
	}
}

func TestTSVRoundTrip(t *testing.T) {
	m := New()
	m.Append(CaseRecord{HashCT: "h1", PathCT: "/in/ct/a.mha", HashMRT1: "h2", PathMRT1: "/in/t1-mri/a.mha"})
	m.Append(CaseRecord{HashCT: "h3", PathCT: "/in/ct/b.mha", HashMRT1: "h4", PathMRT1: "/in/t1-mri/b.mha"})

	var buf bytes.Buffer
	require.NoError(t, m.WriteTSV(&buf))

	got, err := ReadTSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, Columns, got.ColumnNames())

	want, _ := m.Rows()
	rows, err := got.Rows()
	require.NoError(t, err)
	assert.Equal(t, want, rows)

	rec, ok := got.Lookup("h4")
	require.True(t, ok)
	assert.Equal(t, "/in/ct/b.mha", rec.PathCT)
	_, ok = got.Lookup("missing")
	assert.False(t, ok)
}

func TestReadTSVKeepsEmptyInteriorCells(t *testing.T) {
	input := "hash_ct\tpath_ct\thash_mrt1\tpath_mrt1\n" +
		"h1\t\th2\t/in/t1-mri/a.mha\n" +
		"h3\t/in/ct/b.mha\th4\t/in/t1-mri/b.mha\n"
	m, err := ReadTSV(bytes.NewBufferString(input))
	require.NoError(t, err)

	rows, err := m.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "", rows[0].PathCT)
	assert.Equal(t, "/in/ct/b.mha", rows[1].PathCT)
}

func TestReadTSVRaggedTable(t *testing.T) {
	m := New()
	m.Append(CaseRecord{HashCT: "h1", PathCT: "/in/ct/a.mha", HashMRT1: "h2", PathMRT1: "/in/t1-mri/a.mha"})
	m.AppendUnpaired(models.VolumeRef{Hash: "h3", Path: "/in/ct/b.mha", Modality: models.CT})

	var buf bytes.Buffer
	require.NoError(t, m.WriteTSV(&buf))
	got, err := ReadTSV(&buf)
	require.NoError(t, err)

	ct, err := got.Column(ColumnPathCT)
	require.NoError(t, err)
	assert.Len(t, ct, 2)
	mr, err := got.Column(ColumnPathMRT1)
	require.NoError(t, err)
	assert.Len(t, mr, 1)
	assert.Error(t, PathParityValidator{}.Validate(got))
}

func TestReadTSVMissingColumn(t *testing.T) {
	m, err := ReadTSV(bytes.NewBufferString("hash_ct\tpath_ct\nh1\t/a\n"))
	require.NoError(t, err)
	err = ValidateAll(m, DefaultValidators()...)
	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, ColumnHashMRT1, schemaErr.Column)
}

func TestNumericSortKey(t *testing.T) {
	names := []string{"case_10.mha", "case_9.mha", "b.mha", "case_1.mha", "a.mha"}
	sort.Slice(names, func(i, j int) bool {
		return NumericSortKey(names[i]) < NumericSortKey(names[j])
	})
	assert.Equal(t, []string{"a.mha", "b.mha", "case_1.mha", "case_9.mha", "case_10.mha"}, names)
}
