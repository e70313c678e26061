package golsm

import (
	"encoding/binary"
	"io"
	"math"
)

// field lists the fixed-width values the container stores.
type field interface {
	uint8 | uint16 | uint32 | int32 | uint64 | float32 | float64
}

// byteSource is a random-access view of the container. All reads are positioned,
// so a single byteSource may be shared by concurrent plane reads.
type byteSource struct {
	r    io.ReaderAt
	size int64
}

// bytes reads exactly n bytes at off. Reads that would cross the end of the
// source fail with a *boundsError before touching the reader.
func (s *byteSource) bytes(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off > s.size || n > s.size-off {
		return nil, &boundsError{off: off, n: n, size: s.size}
	}
	buf := make([]byte, n)
	if err := s.readInto(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// readInto fills buf from off.
func (s *byteSource) readInto(buf []byte, off int64) error {
	n := int64(len(buf))
	if off < 0 || n < 0 || off > s.size || n > s.size-off {
		return &boundsError{off: off, n: n, size: s.size}
	}
	if n == 0 {
		return nil
	}
	m, err := s.r.ReadAt(buf, off)
	if m == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// readField is the single positioned read primitive: it decodes one value of type
// T at off using order.
func readField[T field](s *byteSource, order binary.ByteOrder, off int64) (T, error) {
	var v T
	var raw [8]byte
	b := raw[:fieldSize(v)]
	if err := s.readInto(b, off); err != nil {
		return v, err
	}
	return decodeField[T](b, order), nil
}

// decodeField decodes a T from the front of b, which must be long enough.
func decodeField[T field](b []byte, order binary.ByteOrder) T {
	var v T
	switch p := any(&v).(type) {
	case *uint8:
		*p = b[0]
	case *uint16:
		*p = order.Uint16(b)
	case *uint32:
		*p = order.Uint32(b)
	case *int32:
		*p = int32(order.Uint32(b))
	case *uint64:
		*p = order.Uint64(b)
	case *float32:
		*p = math.Float32frombits(order.Uint32(b))
	case *float64:
		*p = math.Float64frombits(order.Uint64(b))
	}
	return v
}

func fieldSize[T field](v T) int {
	switch any(v).(type) {
	case uint8:
		return 1
	case uint16:
		return 2
	case uint32, int32, float32:
		return 4
	default:
		return 8
	}
}

// fieldCursor walks a buffer that has already been read from the source.
// Reads past the end report ok=false instead of panicking.
type fieldCursor struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

func cursorField[T field](c *fieldCursor) (T, bool) {
	var v T
	n := fieldSize(v)
	if c.pos < 0 || c.pos+n > len(c.buf) {
		return v, false
	}
	v = decodeField[T](c.buf[c.pos:], c.order)
	c.pos += n
	return v, true
}

// fieldAt decodes a T at an absolute position inside the cursor buffer,
// returning the zero value when out of range.
func fieldAt[T field](c *fieldCursor, pos int) T {
	var v T
	if pos < 0 || pos+fieldSize(v) > len(c.buf) {
		return v
	}
	return decodeField[T](c.buf[pos:], c.order)
}
