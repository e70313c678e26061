package golsm

import (
	"encoding/binary"
	"fmt"
)

// TIFF constants
const (
	tiffMagicLE = 0x4949 // "II" little-endian
	tiffMagicBE = 0x4D4D // "MM" big-endian
	tiffVersion = 42

	tiffHeaderSize = 8
	tagRecordSize  = 12

	// SamplesPerPixel is a SHORT in baseline TIFF; larger LONG values are corrupt.
	maxSamplesPerPixel = 65535
)

// Compression codes
const (
	CompressionNone = 1
	CompressionLZW  = 5
)

// Predictor codes
const (
	PredictorNone       = 1
	PredictorHorizontal = 2
)

// Planar configurations
const (
	PlanarContiguous = 1
	PlanarSeparate   = 2
)

// Tag IDs interpreted by the directory parser. Everything else is ignored.
const (
	TagNewSubfileType            = 254
	TagImageWidth                = 256
	TagImageLength               = 257
	TagBitsPerSample             = 258
	TagCompression               = 259
	TagPhotometricInterpretation = 262
	TagStripOffsets              = 273
	TagSamplesPerPixel           = 277
	TagRowsPerStrip              = 278
	TagStripByteCounts           = 279
	TagPlanarConfiguration       = 284
	TagPredictor                 = 317
	TagColorMap                  = 320
	TagCZLSMInfo                 = 34412
)

// DataType is a TIFF field type code.
type DataType uint16

const (
	DTByte      DataType = 1  // 8-bit unsigned integer
	DTASCII     DataType = 2  // 8-bit ASCII
	DTShort     DataType = 3  // 16-bit unsigned integer
	DTLong      DataType = 4  // 32-bit unsigned integer
	DTRational  DataType = 5  // Two longs: numerator, denominator
	DTSByte     DataType = 6  // 8-bit signed integer
	DTUndefined DataType = 7  // 8-bit undefined
	DTSShort    DataType = 8  // 16-bit signed integer
	DTSLong     DataType = 9  // 32-bit signed integer
	DTSRational DataType = 10 // Two signed longs
	DTFloat     DataType = 11 // 32-bit IEEE floating point
	DTDouble    DataType = 12 // 64-bit IEEE floating point
)

// Size returns the size in bytes of one value of the type, or 0 if unknown.
func (dt DataType) Size() int64 {
	switch dt {
	case DTByte, DTASCII, DTSByte, DTUndefined:
		return 1
	case DTShort, DTSShort:
		return 2
	case DTLong, DTSLong, DTFloat:
		return 4
	case DTRational, DTSRational, DTDouble:
		return 8
	default:
		return 0
	}
}

// tagRecord is one raw 12-byte directory entry.
type tagRecord struct {
	ID     uint16
	Type   DataType
	Count  uint32
	Value  [4]byte // inline value or offset, in file byte order
	Offset uint32
}

// Directory is one parsed Image File Directory.
type Directory struct {
	Offset          int64
	NewSubfileType  uint32
	Width           int
	Height          int
	BitsPerSample   []uint16 // one entry per sample
	Compression     uint16
	Photometric     uint16
	SamplesPerPixel int
	RowsPerStrip    int
	PlanarConfig    uint16
	Predictor       uint16
	StripOffsets    []uint32
	StripByteCounts []uint32

	// ColorMapOffset/ColorMapCount locate the palette, if any.
	ColorMapOffset int64
	ColorMapCount  uint32

	// LSMInfoOffset/LSMInfoLength locate the private metadata tag payload.
	// LSMInfoOffset is 0 when the tag is absent.
	LSMInfoOffset int64
	LSMInfoLength int64

	NextOffset uint32
}

// IsThumbnail reports whether the directory holds a reduced-resolution image.
func (d *Directory) IsThumbnail() bool {
	return d.NewSubfileType&1 != 0
}

// StripsPerPlane returns the number of strips covering one sample plane.
func (d *Directory) StripsPerPlane() int {
	if d.RowsPerStrip <= 0 {
		return 0
	}
	return (d.Height + d.RowsPerStrip - 1) / d.RowsPerStrip
}

// validate checks the invariants needed before a directory is used for decoding.
func (d *Directory) validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("%w: directory at %d has empty image %dx%d", ErrMalformedDirectory, d.Offset, d.Width, d.Height)
	}
	if d.SamplesPerPixel <= 0 {
		return fmt.Errorf("%w: directory at %d has %d samples per pixel", ErrMalformedDirectory, d.Offset, d.SamplesPerPixel)
	}
	if len(d.StripOffsets) == 0 || len(d.StripOffsets) != len(d.StripByteCounts) {
		return fmt.Errorf("%w: directory at %d has %d strip offsets and %d strip byte counts",
			ErrMalformedDirectory, d.Offset, len(d.StripOffsets), len(d.StripByteCounts))
	}
	want := d.StripsPerPlane()
	if d.PlanarConfig == PlanarSeparate {
		want *= d.SamplesPerPixel
	}
	if want == 0 || len(d.StripOffsets) != want {
		return fmt.Errorf("%w: directory at %d has %d strips, layout requires %d",
			ErrMalformedDirectory, d.Offset, len(d.StripOffsets), want)
	}
	return nil
}

// tiffHeader is the decoded 8-byte container header.
type tiffHeader struct {
	order    binary.ByteOrder
	firstIFD uint32
}

// readHeader reads the byte-order marker, version and first directory offset.
func readHeader(s *byteSource) (*tiffHeader, error) {
	header, err := s.bytes(0, tiffHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read TIFF header: %w", err)
	}

	h := &tiffHeader{}
	magic := binary.LittleEndian.Uint16(header[0:2])
	switch magic {
	case tiffMagicLE:
		h.order = binary.LittleEndian
	case tiffMagicBE:
		h.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("invalid TIFF magic: 0x%04x", magic)
	}

	if version := h.order.Uint16(header[2:4]); version != tiffVersion {
		return nil, fmt.Errorf("invalid TIFF version: %d", version)
	}
	h.firstIFD = h.order.Uint32(header[4:8])
	if h.firstIFD == 0 {
		return nil, fmt.Errorf("no image directory")
	}
	return h, nil
}

// directoryParser walks the IFD chain.
type directoryParser struct {
	src     *byteSource
	order   binary.ByteOrder
	maxDirs int
}

// readDirectories follows the next-directory chain from offset until it reaches 0.
func (p *directoryParser) readDirectories(offset uint32) ([]*Directory, error) {
	var dirs []*Directory
	seen := make(map[uint32]bool)

	for offset != 0 {
		if seen[offset] {
			return nil, fmt.Errorf("%w: directory chain loops back to offset %d", ErrMalformedDirectory, offset)
		}
		if p.maxDirs > 0 && len(dirs) >= p.maxDirs {
			return nil, fmt.Errorf("%w: more than %d directories", ErrMalformedDirectory, p.maxDirs)
		}
		seen[offset] = true

		dir, err := p.readDirectory(int64(offset))
		if err != nil {
			return nil, fmt.Errorf("directory %d at offset %d: %w", len(dirs), offset, err)
		}
		dirs = append(dirs, dir)
		offset = dir.NextOffset
	}

	return dirs, nil
}

// readDirectory reads a single IFD: entry count, the record table and the next offset.
func (p *directoryParser) readDirectory(offset int64) (*Directory, error) {
	count, err := readField[uint16](p.src, p.order, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: tag count: %v", ErrMalformedDirectory, err)
	}

	// Read the record table and next offset in one go.
	table, err := p.src.bytes(offset+2, int64(count)*tagRecordSize+4)
	if err != nil {
		return nil, fmt.Errorf("%w: %d records: %v", ErrMalformedDirectory, count, err)
	}

	dir := &Directory{
		Offset:          offset,
		SamplesPerPixel: 1,
		Compression:     CompressionNone,
		PlanarConfig:    PlanarContiguous,
		Predictor:       PredictorNone,
		Photometric:     1,
	}
	var haveWidth, haveHeight, haveRows bool

	for i := 0; i < int(count); i++ {
		rec := p.parseRecord(table[i*tagRecordSize : (i+1)*tagRecordSize])

		switch rec.ID {
		case TagNewSubfileType:
			dir.NewSubfileType, err = p.scalar(rec)
		case TagImageWidth:
			var v uint32
			v, err = p.scalar(rec)
			dir.Width, haveWidth = int(v), true
		case TagImageLength:
			var v uint32
			v, err = p.scalar(rec)
			dir.Height, haveHeight = int(v), true
		case TagBitsPerSample:
			var vs []uint32
			vs, err = p.values(rec)
			dir.BitsPerSample = make([]uint16, len(vs))
			for j, v := range vs {
				dir.BitsPerSample[j] = uint16(v)
			}
		case TagCompression:
			var v uint32
			v, err = p.scalar(rec)
			dir.Compression = uint16(v)
		case TagPhotometricInterpretation:
			var v uint32
			v, err = p.scalar(rec)
			dir.Photometric = uint16(v)
		case TagStripOffsets:
			dir.StripOffsets, err = p.values(rec)
		case TagSamplesPerPixel:
			var v uint32
			v, err = p.scalar(rec)
			if err == nil && v > maxSamplesPerPixel {
				err = fmt.Errorf("%w: %d samples per pixel", ErrMalformedDirectory, v)
			}
			dir.SamplesPerPixel = int(v)
		case TagRowsPerStrip:
			var v uint32
			v, err = p.scalar(rec)
			dir.RowsPerStrip, haveRows = int(v), true
		case TagStripByteCounts:
			dir.StripByteCounts, err = p.values(rec)
		case TagPlanarConfiguration:
			var v uint32
			v, err = p.scalar(rec)
			dir.PlanarConfig = uint16(v)
		case TagPredictor:
			var v uint32
			v, err = p.scalar(rec)
			dir.Predictor = uint16(v)
		case TagColorMap:
			dir.ColorMapCount = rec.Count
			dir.ColorMapOffset, err = p.valueOffset(rec)
		case TagCZLSMInfo:
			dir.LSMInfoLength = int64(rec.Count) * max(rec.Type.Size(), 1)
			dir.LSMInfoOffset, err = p.valueOffset(rec)
		}
		if err != nil {
			return nil, fmt.Errorf("tag %d: %w", rec.ID, err)
		}
	}

	if !haveWidth || !haveHeight {
		return nil, fmt.Errorf("%w: missing image width or length", ErrMalformedDirectory)
	}

	dir.NextOffset = p.order.Uint32(table[len(table)-4:])

	if len(dir.BitsPerSample) == 0 {
		dir.BitsPerSample = []uint16{1}
	}
	if len(dir.BitsPerSample) < dir.SamplesPerPixel {
		// A single BitsPerSample value applies to every sample.
		bits := make([]uint16, dir.SamplesPerPixel)
		for j := range bits {
			bits[j] = dir.BitsPerSample[min(j, len(dir.BitsPerSample)-1)]
		}
		dir.BitsPerSample = bits
	}

	if !haveRows || dir.RowsPerStrip <= 0 || dir.RowsPerStrip > dir.Height {
		dir.RowsPerStrip = dir.deriveRowsPerStrip()
	}

	return dir, nil
}

// deriveRowsPerStrip infers the strip height from the strip count when the
// RowsPerStrip tag is absent or out of range.
func (d *Directory) deriveRowsPerStrip() int {
	strips := len(d.StripOffsets)
	if d.PlanarConfig == PlanarSeparate && d.SamplesPerPixel > 0 {
		strips /= d.SamplesPerPixel
	}
	if strips <= 0 || d.Height <= 0 {
		return d.Height
	}
	return (d.Height + strips - 1) / strips
}

func (p *directoryParser) parseRecord(b []byte) tagRecord {
	rec := tagRecord{
		ID:     p.order.Uint16(b[0:2]),
		Type:   DataType(p.order.Uint16(b[2:4])),
		Count:  p.order.Uint32(b[4:8]),
		Offset: p.order.Uint32(b[8:12]),
	}
	copy(rec.Value[:], b[8:12])
	return rec
}

// valueBytes returns the raw bytes of a record's value, reading them from the
// source when they do not fit inline.
func (p *directoryParser) valueBytes(rec tagRecord) ([]byte, error) {
	size := rec.Type.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: unsupported field type %d", ErrMalformedDirectory, rec.Type)
	}
	total := size * int64(rec.Count)
	if total <= 4 {
		return rec.Value[:total], nil
	}
	b, err := p.src.bytes(int64(rec.Offset), total)
	if err != nil {
		return nil, fmt.Errorf("%w: %d values of type %d: %v", ErrMalformedDirectory, rec.Count, rec.Type, err)
	}
	return b, nil
}

// values decodes an integer array field (BYTE, SHORT or LONG).
func (p *directoryParser) values(rec tagRecord) ([]uint32, error) {
	b, err := p.valueBytes(rec)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, rec.Count)
	c := &fieldCursor{buf: b, order: p.order}
	for i := range out {
		switch rec.Type {
		case DTByte, DTUndefined:
			v, _ := cursorField[uint8](c)
			out[i] = uint32(v)
		case DTShort:
			v, _ := cursorField[uint16](c)
			out[i] = uint32(v)
		case DTLong:
			v, _ := cursorField[uint32](c)
			out[i] = v
		default:
			return nil, fmt.Errorf("%w: expected integer field, got type %d", ErrMalformedDirectory, rec.Type)
		}
	}
	return out, nil
}

// scalar decodes the first value of an integer field.
func (p *directoryParser) scalar(rec tagRecord) (uint32, error) {
	if rec.Count == 0 {
		return 0, fmt.Errorf("%w: empty field", ErrMalformedDirectory)
	}
	vs, err := p.values(rec)
	if err != nil {
		return 0, err
	}
	return vs[0], nil
}

// valueOffset returns where a record's value lives in the file, checking that the
// whole value is inside the source.
func (p *directoryParser) valueOffset(rec tagRecord) (int64, error) {
	size := max(rec.Type.Size(), 1)
	total := size * int64(rec.Count)
	off := int64(rec.Offset)
	if off < 0 || total > p.src.size-off {
		return 0, fmt.Errorf("%w: value at offset %d (%d bytes) is outside the file", ErrMalformedDirectory, off, total)
	}
	return off, nil
}
