package metaio

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
)

// Writer encodes volumes as single-file MetaImage (.mha)
type Writer struct {
	// Compress enables zlib compression of the voxel data
	Compress bool
}

// NewWriter creates a MetaImage writer
func NewWriter(compress bool) *Writer {
	return &Writer{Compress: compress}
}

// Write stores vol at path. The file is written to a temporary name in the
// same directory and renamed into place, so readers never see partial output.
func (w *Writer) Write(path string, vol *models.Volume) error {
	if err := vol.Validate(); err != nil {
		return fmt.Errorf("invalid volume: %w", err)
	}

	data, err := encodeVoxels(vol)
	if err != nil {
		return err
	}
	if w.Compress {
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
		if err != nil {
			return fmt.Errorf("create compressor: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("compress voxel data: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress voxel data: %w", err)
		}
		data = buf.Bytes()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(w.header(vol, len(data))); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing header: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing voxel data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing output file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error moving output file into place: %w", err)
	}
	return nil
}

func (w *Writer) header(vol *models.Volume, dataSize int) string {
	var sb strings.Builder
	line := func(key, value string) {
		sb.WriteString(key)
		sb.WriteString(" = ")
		sb.WriteString(value)
		sb.WriteString("\n")
	}
	line("ObjectType", "Image")
	line("NDims", "3")
	line("BinaryData", "True")
	line("BinaryDataByteOrderMSB", "False")
	if w.Compress {
		line("CompressedData", "True")
		line("CompressedDataSize", strconv.Itoa(dataSize))
	} else {
		line("CompressedData", "False")
	}
	line("TransformMatrix", formatFloats(vol.Direction[:]))
	line("Offset", formatFloats(vol.Origin[:]))
	line("CenterOfRotation", "0 0 0")
	line("ElementSpacing", formatFloats(vol.Spacing[:]))
	line("DimSize", fmt.Sprintf("%d %d %d", vol.Width, vol.Height, vol.Depth))
	line("ElementType", string(vol.ElementType))
	line("ElementDataFile", "LOCAL")
	return sb.String()
}

func formatFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}
