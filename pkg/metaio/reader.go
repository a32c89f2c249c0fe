// Package metaio reads and writes volumes in the MetaImage format (.mha with
// inline data, .mhd with a detached raw file) and computes content hashes.
package metaio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
)

// FormatError is returned when a file cannot be decoded as a volume
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("cannot read volume %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Loader decodes MetaImage files into volumes. It holds no state and is safe
// for concurrent use.
type Loader struct{}

// NewLoader creates a MetaImage loader
func NewLoader() *Loader {
	return &Loader{}
}

// String names the loader in error messages
func (l *Loader) String() string {
	return "MetaImageLoader"
}

// Load reads the volume stored at path
func (l *Loader) Load(path string) (*models.Volume, error) {
	vol, err := readFile(path)
	if err != nil {
		return nil, &FormatError{Path: path, Err: err}
	}
	return vol, nil
}

// header holds the parsed key/value pairs of a MetaImage header
type header map[string]string

func (h header) lookup(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := h[k]; ok {
			return v, true
		}
	}
	return "", false
}

func (h header) isTrue(keys ...string) bool {
	v, ok := h.lookup(keys...)
	return ok && strings.EqualFold(v, "true")
}

func (h header) floats(n int, def []float64, keys ...string) ([]float64, error) {
	v, ok := h.lookup(keys...)
	if !ok {
		return def, nil
	}
	fields := strings.Fields(v)
	if len(fields) != n {
		return nil, fmt.Errorf("%s: expected %d values, got %d", keys[0], n, len(fields))
	}
	out := make([]float64, n)
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", keys[0], err)
		}
		out[i] = x
	}
	return out, nil
}

// maxVoxels bounds the voxel count accepted from a header, checked before
// any buffer is allocated
const maxVoxels = 1 << 29

func readFile(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	hdr, headerLen, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	ndims, dims, elementType, err := hdr.extent()
	if err != nil {
		return nil, err
	}
	size := int64(dims[0]) * int64(dims[1]) * int64(dims[2]) * int64(elementType.Size())

	// Locate the voxel data, either inline after the header or in a sibling file
	var data io.Reader = br
	available := int64(-1)
	dataFile := hdr["ElementDataFile"]
	if dataFile == "LOCAL" {
		if st, err := f.Stat(); err == nil {
			available = st.Size() - headerLen
		}
	} else {
		if strings.ContainsAny(dataFile, " \t") {
			return nil, fmt.Errorf("unsupported ElementDataFile %q", dataFile)
		}
		raw, err := os.Open(filepath.Join(filepath.Dir(path), dataFile))
		if err != nil {
			return nil, fmt.Errorf("open data file: %w", err)
		}
		defer raw.Close()
		if st, err := raw.Stat(); err == nil {
			available = st.Size()
		}
		data = bufio.NewReader(raw)
	}

	compressed := hdr.isTrue("CompressedData")
	if !compressed && available >= 0 && available < size {
		return nil, fmt.Errorf("voxel data truncated: need %d bytes, have %d", size, available)
	}

	vol, err := volumeFromHeader(hdr, ndims, dims, elementType)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if compressed {
		zr, err := zlib.NewReader(data)
		if err != nil {
			return nil, fmt.Errorf("open compressed data: %w", err)
		}
		defer zr.Close()
		if _, err := io.ReadFull(zr, buf); err != nil {
			return nil, fmt.Errorf("read compressed data: %w", err)
		}
	} else if _, err := io.ReadFull(data, buf); err != nil {
		return nil, fmt.Errorf("read voxel data: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if hdr.isTrue("BinaryDataByteOrderMSB", "ElementByteOrderMSB") {
		order = binary.BigEndian
	}
	decodeVoxels(buf, vol, order)

	return vol, nil
}

// readHeader consumes header lines up to and including ElementDataFile and
// reports how many bytes they took
func readHeader(br *bufio.Reader) (header, int64, error) {
	hdr := header{}
	var n int64
	for {
		line, err := br.ReadString('\n')
		n += int64(len(line))
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return nil, 0, fmt.Errorf("header ended before ElementDataFile")
			}
			return nil, 0, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, 0, fmt.Errorf("malformed header line %q", line)
		}
		key = strings.TrimSpace(key)
		hdr[key] = strings.TrimSpace(value)
		if key == "ElementDataFile" {
			return hdr, n, nil
		}
		if err == io.EOF {
			return nil, 0, fmt.Errorf("header ended before ElementDataFile")
		}
	}
}

// extent validates the image shape and element type declared by the header
func (h header) extent() (int, [3]int, models.ElementType, error) {
	size := [3]int{1, 1, 1}
	if t, ok := h["ObjectType"]; ok && t != "Image" {
		return 0, size, "", fmt.Errorf("unsupported ObjectType %q", t)
	}
	if c, ok := h["ElementNumberOfChannels"]; ok && c != "1" {
		return 0, size, "", fmt.Errorf("unsupported ElementNumberOfChannels %s", c)
	}

	ndims, err := strconv.Atoi(h["NDims"])
	if err != nil {
		return 0, size, "", fmt.Errorf("NDims: %w", err)
	}
	if ndims != 2 && ndims != 3 {
		return 0, size, "", fmt.Errorf("unsupported NDims %d", ndims)
	}

	dims, err := h.floats(ndims, nil, "DimSize")
	if err != nil {
		return 0, size, "", err
	}
	if dims == nil {
		return 0, size, "", fmt.Errorf("missing DimSize")
	}
	total := int64(1)
	for i, d := range dims {
		if d < 1 || d != math.Trunc(d) || d > maxVoxels {
			return 0, size, "", fmt.Errorf("invalid DimSize %v", dims)
		}
		size[i] = int(d)
		total *= int64(size[i])
		if total > maxVoxels {
			return 0, size, "", fmt.Errorf("DimSize %v exceeds %d voxels", dims, maxVoxels)
		}
	}

	elementType := models.ElementType(h["ElementType"])
	if !elementType.Valid() {
		return 0, size, "", fmt.Errorf("unsupported ElementType %q", elementType)
	}
	return ndims, size, elementType, nil
}

func volumeFromHeader(hdr header, ndims int, size [3]int, elementType models.ElementType) (*models.Volume, error) {
	ones := make([]float64, ndims)
	for i := range ones {
		ones[i] = 1
	}
	spacing, err := hdr.floats(ndims, ones, "ElementSpacing", "ElementSize")
	if err != nil {
		return nil, err
	}
	origin, err := hdr.floats(ndims, make([]float64, ndims), "Offset", "Origin", "Position")
	if err != nil {
		return nil, err
	}
	direction, err := hdr.floats(ndims*ndims, nil, "TransformMatrix", "Rotation", "Orientation")
	if err != nil {
		return nil, err
	}

	vol := models.NewVolume(size[0], size[1], size[2], elementType)
	copy(vol.Spacing[:], spacing)
	copy(vol.Origin[:], origin)
	if direction != nil {
		vol.Direction = [9]float64{0, 0, 0, 0, 0, 0, 0, 0, 1}
		for r := 0; r < ndims; r++ {
			for c := 0; c < ndims; c++ {
				vol.Direction[r*3+c] = direction[r*ndims+c]
			}
		}
	}
	return vol, nil
}

func decodeVoxels(buf []byte, vol *models.Volume, order binary.ByteOrder) {
	n := vol.ElementType.Size()
	for i := range vol.Data {
		b := buf[i*n : (i+1)*n]
		switch vol.ElementType {
		case models.ElementChar:
			vol.Data[i] = float64(int8(b[0]))
		case models.ElementUChar:
			vol.Data[i] = float64(b[0])
		case models.ElementShort:
			vol.Data[i] = float64(int16(order.Uint16(b)))
		case models.ElementUShort:
			vol.Data[i] = float64(order.Uint16(b))
		case models.ElementInt:
			vol.Data[i] = float64(int32(order.Uint32(b)))
		case models.ElementUInt:
			vol.Data[i] = float64(order.Uint32(b))
		case models.ElementFloat:
			vol.Data[i] = float64(math.Float32frombits(order.Uint32(b)))
		case models.ElementDouble:
			vol.Data[i] = math.Float64frombits(order.Uint64(b))
		}
	}
}

// encodeVoxels serializes voxel values little-endian in the volume's element
// type. Integer types are rounded and clamped to their range.
func encodeVoxels(vol *models.Volume) ([]byte, error) {
	n := vol.ElementType.Size()
	if n == 0 {
		return nil, fmt.Errorf("unsupported element type %q", vol.ElementType)
	}
	var buf bytes.Buffer
	buf.Grow(len(vol.Data) * n)
	scratch := make([]byte, 8)
	le := binary.LittleEndian
	for _, v := range vol.Data {
		switch vol.ElementType {
		case models.ElementChar:
			scratch[0] = byte(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
		case models.ElementUChar:
			scratch[0] = uint8(clampRound(v, 0, math.MaxUint8))
		case models.ElementShort:
			le.PutUint16(scratch, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		case models.ElementUShort:
			le.PutUint16(scratch, uint16(clampRound(v, 0, math.MaxUint16)))
		case models.ElementInt:
			le.PutUint32(scratch, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
		case models.ElementUInt:
			le.PutUint32(scratch, uint32(clampRound(v, 0, math.MaxUint32)))
		case models.ElementFloat:
			le.PutUint32(scratch, math.Float32bits(float32(v)))
		case models.ElementDouble:
			le.PutUint64(scratch, math.Float64bits(v))
		}
		buf.Write(scratch[:n])
	}
	return buf.Bytes(), nil
}

func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, math.Round(v)))
}
