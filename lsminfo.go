package golsm

import (
	"encoding/binary"
	"fmt"
	"image/color"
	"math"
	"strings"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/text/encoding/charmap"
)

// CZ_LSMINFO magic numbers (format versions 1.3 and 1.5+).
const (
	lsmMagic13 = 0x00300494C
	lsmMagic15 = 0x00400494C

	// lsmInfoMinSize covers every fixed field up to OffsetNextRecording.
	lsmInfoMinSize = 152
)

// Byte offsets of the fixed CZ_LSMINFO fields.
const (
	lsmOffMagic              = 0
	lsmOffStructureSize      = 4
	lsmOffDimensionX         = 8
	lsmOffDimensionY         = 12
	lsmOffDimensionZ         = 16
	lsmOffDimensionChannels  = 20
	lsmOffDimensionTime      = 24
	lsmOffDataType           = 28
	lsmOffThumbnailX         = 32
	lsmOffThumbnailY         = 36
	lsmOffVoxelSizeX         = 40
	lsmOffVoxelSizeY         = 48
	lsmOffVoxelSizeZ         = 56
	lsmOffOriginX            = 64
	lsmOffOriginY            = 72
	lsmOffOriginZ            = 80
	lsmOffScanType           = 88
	lsmOffSpectralScan       = 90
	lsmOffTypeOfData         = 92
	lsmOffChannelColors      = 108
	lsmOffTimeInterval       = 112
	lsmOffChannelDataTypes   = 120
	lsmOffScanInformation    = 124
	lsmOffTimeStamps         = 132
	lsmOffEventList          = 136
	lsmOffDisplayAspectX     = 152
	lsmOffDisplayAspectY     = 160
	lsmOffDisplayAspectZ     = 168
	lsmOffDisplayAspectTime  = 176
	lsmDisplayAspectRequired = 184
)

// SampleType is the per-channel sample datatype recorded in the metadata.
type SampleType uint32

const (
	SampleUnknown SampleType = 0
	SampleUint8   SampleType = 1
	SampleUint12  SampleType = 2 // 12 significant bits stored in 16
	SampleFloat32 SampleType = 5
)

func (t SampleType) String() string {
	switch t {
	case SampleUint8:
		return "uint8"
	case SampleUint12:
		return "uint12"
	case SampleFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// Bytes returns the stored width of one sample, or 0 if unknown.
func (t SampleType) Bytes() int {
	switch t {
	case SampleUint8:
		return 1
	case SampleUint12:
		return 2
	case SampleFloat32:
		return 4
	default:
		return 0
	}
}

// IntensityValues returns how many distinct intensities a sample can take, or
// 0 for floating point samples.
func (t SampleType) IntensityValues() int {
	switch t {
	case SampleUint8:
		return 1 << 8
	case SampleUint12:
		return 1 << 12
	default:
		return 0
	}
}

// Scan types
const (
	ScanTypeXYZ            = 0
	ScanTypeXZ             = 1
	ScanTypeLine           = 2
	ScanTypeTimeSeriesXY   = 3
	ScanTypeTimeSeriesXZ   = 4
	ScanTypeTimeSeriesROIs = 5
	ScanTypeTimeSeriesXYZ  = 6
	ScanTypeSpline         = 7
	ScanTypeSplineXZ       = 8
	ScanTypeSplinePlaneXZ  = 9
	ScanTypePoint          = 10
)

// Dimensions is the 5-tuple every plane lookup is built around.
type Dimensions struct {
	X, Y, Z, T, C int
}

// Planes returns the number of (c, t, z) planes.
func (d Dimensions) Planes() int {
	return d.Z * d.T * d.C
}

// Channel describes one acquisition channel.
type Channel struct {
	Index      int
	Name       string
	Color      color.RGBA
	Components int // 3 or 4 components were present in the file
	SampleType SampleType
}

// LSMInfo is the decoded fixed part of the private metadata tag.
type LSMInfo struct {
	Magic         uint32
	StructureSize int32
	Dimensions    Dimensions
	DataType      SampleType // 0 means the type differs per channel
	ThumbnailX    int
	ThumbnailY    int
	VoxelSize     [3]float64 // metres
	Origin        [3]float64 // metres
	ScanType      uint16
	SpectralScan  bool
	TypeOfData    uint32
	TimeInterval  float64 // seconds
	DisplayAspect [4]float64

	OffsetChannelColors    uint32
	OffsetChannelDataTypes uint32
	OffsetScanInformation  uint32
	OffsetTimeStamps       uint32
	OffsetEventList        uint32
}

// metadata is everything the walker extracts from the private tag.
type metadata struct {
	info       *LSMInfo
	dims       Dimensions
	channels   []Channel
	timestamps []float64
	stamped    bool
	root       *Block
	recording  *Recording
	warnings   *multierror.Error
}

// metadataWalker decodes the private tag and the blocks it references.
type metadataWalker struct {
	src      *byteSource
	order    binary.ByteOrder
	maxDepth int
	warn     func(error)

	// images and samples describe the first image directory run. Zero images
	// skips the capacity check.
	images  int
	samples int
}

// checkCapacity rejects channel and timepoint counts that the image directories
// cannot hold, before anything is allocated per channel or timepoint.
func (w *metadataWalker) checkCapacity(d Dimensions) error {
	if w.images <= 0 {
		return nil
	}
	if d.T > w.images || d.C > w.images*max(w.samples, 1) {
		return fmt.Errorf("%w: CZ_LSMINFO declares %d channels and %d timepoints, %d image directories hold %d samples each",
			ErrMalformedDirectory, d.C, d.T, w.images, w.samples)
	}
	return nil
}

// decodeText converts a metadata string from the acquisition software's
// Windows-1252 encoding, dropping everything after the first NUL.
func decodeText(b []byte) string {
	if i := indexNUL(b); i >= 0 {
		b = b[:i]
	}
	s, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return strings.TrimSpace(string(s))
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// readInfo decodes the fixed CZ_LSMINFO record at offset.
func (w *metadataWalker) readInfo(offset, length int64) (*LSMInfo, error) {
	if length < lsmInfoMinSize {
		length = lsmInfoMinSize
	}
	if rest := w.src.size - offset; length > rest {
		length = rest
	}
	if length < lsmInfoMinSize {
		return nil, fmt.Errorf("%w: CZ_LSMINFO at %d holds %d bytes, need %d", ErrTruncatedMetadata, offset, length, lsmInfoMinSize)
	}
	buf, err := w.src.bytes(offset, length)
	if err != nil {
		return nil, fmt.Errorf("%w: CZ_LSMINFO: %v", ErrTruncatedMetadata, err)
	}
	c := &fieldCursor{buf: buf, order: w.order}

	info := &LSMInfo{
		Magic:         fieldAt[uint32](c, lsmOffMagic),
		StructureSize: fieldAt[int32](c, lsmOffStructureSize),
		Dimensions: Dimensions{
			X: int(fieldAt[int32](c, lsmOffDimensionX)),
			Y: int(fieldAt[int32](c, lsmOffDimensionY)),
			Z: int(fieldAt[int32](c, lsmOffDimensionZ)),
			C: int(fieldAt[int32](c, lsmOffDimensionChannels)),
			T: int(fieldAt[int32](c, lsmOffDimensionTime)),
		},
		DataType:               SampleType(fieldAt[int32](c, lsmOffDataType)),
		ThumbnailX:             int(fieldAt[int32](c, lsmOffThumbnailX)),
		ThumbnailY:             int(fieldAt[int32](c, lsmOffThumbnailY)),
		ScanType:               fieldAt[uint16](c, lsmOffScanType),
		SpectralScan:           fieldAt[uint16](c, lsmOffSpectralScan) != 0,
		TypeOfData:             fieldAt[uint32](c, lsmOffTypeOfData),
		TimeInterval:           fieldAt[float64](c, lsmOffTimeInterval),
		OffsetChannelColors:    fieldAt[uint32](c, lsmOffChannelColors),
		OffsetChannelDataTypes: fieldAt[uint32](c, lsmOffChannelDataTypes),
		OffsetScanInformation:  fieldAt[uint32](c, lsmOffScanInformation),
		OffsetTimeStamps:       fieldAt[uint32](c, lsmOffTimeStamps),
		OffsetEventList:        fieldAt[uint32](c, lsmOffEventList),
	}
	for i, off := range []int{lsmOffVoxelSizeX, lsmOffVoxelSizeY, lsmOffVoxelSizeZ} {
		info.VoxelSize[i] = fieldAt[float64](c, off)
	}
	for i, off := range []int{lsmOffOriginX, lsmOffOriginY, lsmOffOriginZ} {
		info.Origin[i] = fieldAt[float64](c, off)
	}
	if len(buf) >= lsmDisplayAspectRequired {
		for i, off := range []int{lsmOffDisplayAspectX, lsmOffDisplayAspectY, lsmOffDisplayAspectZ, lsmOffDisplayAspectTime} {
			info.DisplayAspect[i] = fieldAt[float64](c, off)
		}
	}

	if info.Magic != lsmMagic13 && info.Magic != lsmMagic15 {
		w.warn(fmt.Errorf("CZ_LSMINFO magic 0x%08x not recognized", info.Magic))
	}
	return info, nil
}

// walk decodes the private tag and every block it references. Only a missing or
// truncated fixed record is fatal; anomalies in referenced blocks become warnings.
func (w *metadataWalker) walk(offset, length int64) (*metadata, error) {
	md := &metadata{}
	w.warn = func(err error) { md.warnings = multierror.Append(md.warnings, err) }

	info, err := w.readInfo(offset, length)
	if err != nil {
		return nil, err
	}
	md.info = info
	md.dims = Dimensions{
		X: max(info.Dimensions.X, 1),
		Y: max(info.Dimensions.Y, 1),
		Z: max(info.Dimensions.Z, 1),
		T: max(info.Dimensions.T, 1),
		C: max(info.Dimensions.C, 1),
	}
	if err := w.checkCapacity(md.dims); err != nil {
		return nil, err
	}

	md.channels = make([]Channel, md.dims.C)
	for i := range md.channels {
		md.channels[i] = Channel{Index: i, SampleType: info.DataType}
	}

	if info.OffsetChannelColors != 0 {
		if err := w.readChannelColors(int64(info.OffsetChannelColors), md.channels); err != nil {
			w.warn(fmt.Errorf("channel colors: %w", err))
		}
	}
	if info.OffsetChannelDataTypes != 0 {
		if err := w.readChannelDataTypes(int64(info.OffsetChannelDataTypes), md.channels); err != nil {
			w.warn(fmt.Errorf("channel data types: %w", err))
		}
	}
	if info.OffsetTimeStamps != 0 {
		stamps, err := w.readTimeStamps(int64(info.OffsetTimeStamps))
		if err != nil {
			w.warn(fmt.Errorf("time stamps: %w", err))
		}
		md.timestamps = stamps
	}
	md.timestamps, md.stamped = fillTimestamps(md.timestamps, md.dims.T, info.TimeInterval, w.warn)

	if info.OffsetScanInformation != 0 {
		sw := &scanWalker{src: w.src, order: w.order, maxDepth: w.maxDepth, warn: w.warn}
		root, err := sw.walk(int64(info.OffsetScanInformation))
		if err != nil {
			w.warn(fmt.Errorf("scan information: %w", err))
		}
		if root != nil {
			md.root = root
			md.recording = newRecording(root)
			md.recording.applyChannelNames(md.channels)
		}
	}

	return md, nil
}

// readChannelColors decodes the colors/names block into channels.
func (w *metadataWalker) readChannelColors(offset int64, channels []Channel) error {
	head, err := w.src.bytes(offset, 24)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTruncatedMetadata, err)
	}
	c := &fieldCursor{buf: head, order: w.order}
	blockSize := int64(fieldAt[int32](c, 0))
	numColors := int(fieldAt[int32](c, 4))
	numNames := int(fieldAt[int32](c, 8))
	colorsOffset := int64(fieldAt[int32](c, 12))
	namesOffset := int64(fieldAt[int32](c, 16))

	if blockSize < 24 || blockSize > w.src.size-offset {
		return fmt.Errorf("%w: block size %d", ErrTruncatedMetadata, blockSize)
	}
	block, err := w.src.bytes(offset, blockSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTruncatedMetadata, err)
	}
	if numColors != len(channels) || numNames != len(channels) {
		w.warn(fmt.Errorf("channel colors block lists %d colors and %d names for %d channels", numColors, numNames, len(channels)))
	}

	for i := 0; i < min(numColors, len(channels)); i++ {
		pos := colorsOffset + int64(i)*4
		if pos < 0 || pos+3 > blockSize {
			return fmt.Errorf("%w: color %d outside block", ErrTruncatedMetadata, i)
		}
		rgba := block[pos : pos+min(4, blockSize-pos)]
		channels[i].Color = color.RGBA{R: rgba[0], G: rgba[1], B: rgba[2], A: 0xff}
		channels[i].Components = len(rgba)
		if len(rgba) == 4 && rgba[3] != 0 {
			channels[i].Color.A = rgba[3]
		}
	}

	if namesOffset <= 0 || namesOffset >= blockSize {
		return nil
	}
	names := parseChannelNames(block[namesOffset:], min(numNames, len(channels)), w.order)
	for i, name := range names {
		channels[i].Name = name
	}
	return nil
}

// parseChannelNames reads length-prefixed names. A prefix that does not fit the
// remaining bytes switches to scanning for the next printable run instead.
func parseChannelNames(b []byte, want int, order binary.ByteOrder) []string {
	var names []string
	for len(names) < want && len(b) > 0 {
		if len(b) >= 4 {
			n := int(order.Uint32(b))
			if n > 0 && n <= len(b)-4 {
				names = append(names, decodeText(b[4:4+n]))
				b = b[4+n:]
				continue
			}
		}
		start := 0
		for start < len(b) && b[start] < 32 {
			start++
		}
		if start == len(b) {
			break
		}
		end := start
		for end < len(b) && b[end] != 0 {
			end++
		}
		names = append(names, decodeText(b[start:end]))
		b = b[end:]
	}
	return names
}

// readChannelDataTypes decodes one uint32 sample type per channel.
func (w *metadataWalker) readChannelDataTypes(offset int64, channels []Channel) error {
	for i := range channels {
		v, err := readField[uint32](w.src, w.order, offset+int64(i)*4)
		if err != nil {
			return fmt.Errorf("%w: channel %d: %v", ErrTruncatedMetadata, i, err)
		}
		channels[i].SampleType = SampleType(v)
	}
	return nil
}

// readTimeStamps decodes the timestamp block: size, count, count float64 seconds.
func (w *metadataWalker) readTimeStamps(offset int64) ([]float64, error) {
	size, err := readField[int32](w.src, w.order, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedMetadata, err)
	}
	count, err := readField[int32](w.src, w.order, offset+4)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedMetadata, err)
	}
	if count < 0 || (size != 0 && int64(count)*8+8 > int64(size)) {
		return nil, fmt.Errorf("%w: %d time stamps in a %d byte block", ErrTruncatedMetadata, count, size)
	}
	if int64(count)*8+8 > w.src.size-offset {
		return nil, fmt.Errorf("%w: %d time stamps at %d run past the end of data", ErrTruncatedMetadata, count, offset)
	}
	stamps := make([]float64, 0, count)
	for i := int32(0); i < count; i++ {
		v, err := readField[float64](w.src, w.order, offset+8+int64(i)*8)
		if err != nil {
			return stamps, fmt.Errorf("%w: time stamp %d: %v", ErrTruncatedMetadata, i, err)
		}
		stamps = append(stamps, v)
	}
	return stamps, nil
}

// fillTimestamps makes the sequence exactly n long. Missing entries are
// extrapolated from the last known interval, or from interval when fewer than two
// stamps exist. It reports false when there was nothing to derive times from.
func fillTimestamps(stamps []float64, n int, interval float64, warn func(error)) ([]float64, bool) {
	if len(stamps) != n && len(stamps) > 0 {
		warn(fmt.Errorf("%d time stamps recorded for %d time points", len(stamps), n))
	}
	if len(stamps) >= n {
		return stamps[:n], len(stamps) > 0 || n == 0
	}
	if len(stamps) == 0 && (interval == 0 || math.IsNaN(interval)) {
		return nil, false
	}

	step := interval
	if k := len(stamps); k >= 2 {
		step = stamps[k-1] - stamps[k-2]
	}
	out := make([]float64, n)
	copy(out, stamps)
	for i := len(stamps); i < n; i++ {
		if i == 0 {
			out[i] = 0
			continue
		}
		out[i] = out[i-1] + step
	}
	return out, true
}
