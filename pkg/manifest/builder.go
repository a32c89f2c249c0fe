package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
)

// Default modality subdirectories of the input folder
const (
	DefaultCTDir   = "ct"
	DefaultMRT1Dir = "t1-mri"
)

// VolumeLoader decodes a volume file and computes its content hash.
// String names the loader in error messages.
type VolumeLoader interface {
	Load(path string) (*models.Volume, error)
	Hash(vol *models.Volume) (string, error)
	String() string
}

// SortKey maps a base filename to the key used to order a modality listing.
// It must depend on the filename only, never on the directory.
type SortKey func(name string) string

// NumericSortKey orders files by the first number in their name, then by
// name. "case_2" sorts before "case_10".
func NumericSortKey(name string) string {
	return fmt.Sprintf("%020d|%s", extractNumber(name), name)
}

// NameSortKey orders files lexically by name
func NameSortKey(name string) string {
	return name
}

// extractNumber returns the first run of digits in a filename, or 0
func extractNumber(filename string) uint64 {
	start := strings.IndexAny(filename, "0123456789")
	if start < 0 {
		return 0
	}
	end := start
	for end < len(filename) && filename[end] >= '0' && filename[end] <= '9' {
		end++
	}
	num, err := strconv.ParseUint(filename[start:end], 10, 64)
	if err != nil {
		return 0
	}
	return num
}

// Builder enumerates the modality subdirectories of an input folder and
// assembles the manifest of loadable cases
type Builder struct {
	loader           VolumeLoader
	logger           *zap.Logger
	ctDir            string
	mrt1Dir          string
	filter           *regexp.Regexp
	sortKey          SortKey
	truncateUnpaired bool
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithLogger sets the logger receiving skip warnings
func WithLogger(logger *zap.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithModalityDirs overrides the CT and MR-T1 subdirectory names
func WithModalityDirs(ctDir, mrt1Dir string) BuilderOption {
	return func(b *Builder) {
		b.ctDir = ctDir
		b.mrt1Dir = mrt1Dir
	}
}

// WithFilter only accepts pairs whose full paths both match the pattern at
// their start. A nil pattern accepts everything.
func WithFilter(filter *regexp.Regexp) BuilderOption {
	return func(b *Builder) {
		b.filter = filter
	}
}

// WithSortKey sets the ordering applied to each modality listing before pairing
func WithSortKey(key SortKey) BuilderOption {
	return func(b *Builder) {
		if key != nil {
			b.sortKey = key
		}
	}
}

// WithTruncateUnpaired drops the surplus entries of the longer listing instead
// of recording them as unpaired volumes
func WithTruncateUnpaired(truncate bool) BuilderOption {
	return func(b *Builder) {
		b.truncateUnpaired = truncate
	}
}

// NewBuilder creates a manifest builder using loader for every volume
func NewBuilder(loader VolumeLoader, opts ...BuilderOption) *Builder {
	b := &Builder{
		loader:  loader,
		logger:  zap.NewNop(),
		ctDir:   DefaultCTDir,
		mrt1Dir: DefaultMRT1Dir,
		sortKey: NumericSortKey,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build pairs the sorted CT and MR-T1 listings of folder positionally and
// loads each pair. Pairs that fail to load are skipped with a warning. It
// fails only when no case survives.
func (b *Builder) Build(ctx context.Context, folder string) (*Manifest, error) {
	pathsCT := b.listModality(filepath.Join(folder, b.ctDir))
	pathsMRT1 := b.listModality(filepath.Join(folder, b.mrt1Dir))

	m := New()
	n := len(pathsCT)
	if len(pathsMRT1) < n {
		n = len(pathsMRT1)
	}

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pthCT, pthMR := pathsCT[i], pathsMRT1[i]

		if !b.matches(pthCT) || !b.matches(pthMR) {
			b.logger.Info("Skip loading pair because it does not match the filter",
				zap.String("ct", filepath.Base(pthCT)),
				zap.String("mrt1", filepath.Base(pthMR)),
				zap.Stringer("filter", b.filter))
			continue
		}

		refCT, err := b.load(pthCT, models.CT)
		if err == nil {
			var refMR models.VolumeRef
			refMR, err = b.load(pthMR, models.MRT1)
			if err == nil {
				m.Append(CaseRecord{
					HashCT:   refCT.Hash,
					PathCT:   refCT.Path,
					HashMRT1: refMR.Hash,
					PathMRT1: refMR.Path,
				})
				continue
			}
		}
		b.logger.Warn("Could not load pair",
			zap.String("ct", filepath.Base(pthCT)),
			zap.String("mrt1", filepath.Base(pthMR)),
			zap.String("loader", b.loader.String()),
			zap.Error(err))
	}

	if err := b.handleSurplus(ctx, m, pathsCT[n:], models.CT); err != nil {
		return nil, err
	}
	if err := b.handleSurplus(ctx, m, pathsMRT1[n:], models.MRT1); err != nil {
		return nil, err
	}

	if m.Len() == 0 {
		return nil, &LoadError{Path: folder, Loader: b.loader.String(), Err: ErrNoCases}
	}
	return m, nil
}

// handleSurplus deals with entries of the longer listing that have no partner
func (b *Builder) handleSurplus(ctx context.Context, m *Manifest, paths []string, modality models.Modality) error {
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.truncateUnpaired {
			b.logger.Warn("Dropping unpaired volume",
				zap.String("path", p),
				zap.String("modality", string(modality)))
			continue
		}
		if !b.matches(p) {
			continue
		}
		ref, err := b.load(p, modality)
		if err != nil {
			b.logger.Warn("Could not load unpaired volume",
				zap.String("path", p),
				zap.String("loader", b.loader.String()),
				zap.Error(err))
			continue
		}
		b.logger.Warn("Volume has no partner in the other modality",
			zap.String("path", p),
			zap.String("modality", string(modality)))
		m.AppendUnpaired(ref)
	}
	return nil
}

func (b *Builder) load(path string, modality models.Modality) (models.VolumeRef, error) {
	vol, err := b.loader.Load(path)
	if err != nil {
		return models.VolumeRef{}, &LoadError{Path: path, Loader: b.loader.String(), Err: err}
	}
	hash, err := b.loader.Hash(vol)
	if err != nil {
		return models.VolumeRef{}, &LoadError{Path: path, Loader: b.loader.String(), Err: err}
	}
	return models.VolumeRef{Hash: hash, Path: path, Modality: modality}, nil
}

// matches applies the filter anchored at the start of the path
func (b *Builder) matches(path string) bool {
	if b.filter == nil {
		return true
	}
	loc := b.filter.FindStringIndex(path)
	return loc != nil && loc[0] == 0
}

// listModality returns the regular files of dir sorted by the builder's key.
// A missing directory yields an empty listing.
func (b *Builder) listModality(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		b.logger.Warn("Could not list modality directory", zap.String("dir", dir), zap.Error(err))
		return nil
	}

	type keyed struct {
		key  string
		path string
	}
	var files []keyed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, keyed{key: b.sortKey(e.Name()), path: filepath.Join(dir, e.Name())})
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].key < files[j].key
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths
}
