package golsm

import (
	"bytes"
	compatlzw "compress/lzw"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/image/tiff/lzw"
)

// stripCodec describes how one strip was encoded. samples is the number of
// interleaved samples per pixel inside the strip: SamplesPerPixel for contiguous
// directories, 1 for separate planes.
type stripCodec struct {
	compression uint16
	predictor   uint16
	bits        int
	samples     int
	width       int
	rows        int
	order       binary.ByteOrder
}

// size returns the number of decoded bytes the strip must produce.
func (c stripCodec) size() int {
	return c.rows * c.width * c.samples * (c.bits / 8)
}

// decompressStrip turns one strip's stored bytes into scanline bytes. It has no
// side effects on raw other than predictor decoding in place for uncompressed
// strips, so callers must pass a private copy.
func decompressStrip(raw []byte, c stripCodec) ([]byte, error) {
	switch c.bits {
	case 8, 16, 32:
	default:
		return nil, fmt.Errorf("%w: unsupported bits per sample %d", ErrDecodeFailure, c.bits)
	}
	want := c.size()

	var out []byte
	switch c.compression {
	case CompressionNone:
		out = raw
	case CompressionLZW:
		var err error
		out, err = decodeLZW(raw, want)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported compression %d", ErrDecodeFailure, c.compression)
	}

	if len(out) < want {
		return nil, fmt.Errorf("%w: strip decoded to %d bytes, expected %d", ErrDecodeFailure, len(out), want)
	}
	out = out[:want]

	switch c.predictor {
	case PredictorNone, 0:
	case PredictorHorizontal:
		undoHorizontalDifferencing(out, c)
	default:
		return nil, fmt.Errorf("%w: unsupported predictor %d", ErrDecodeFailure, c.predictor)
	}
	return out, nil
}

// decodeLZW decodes a TIFF LZW stream. Streams written by pre-6.0 encoders start
// with a zero byte followed by an odd one and use LSB bit order without the
// early code width change.
func decodeLZW(raw []byte, sizeHint int) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty stream", ErrCorruptLZWStream)
	}

	var r io.ReadCloser
	if len(raw) >= 2 && raw[0] == 0 && raw[1]&1 != 0 {
		r = compatlzw.NewReader(bytes.NewReader(raw), compatlzw.LSB, 8)
	} else {
		r = lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
	}
	defer r.Close()

	// Anything past the expected size is trimmed by the caller.
	out := bytes.NewBuffer(make([]byte, 0, sizeHint))
	if _, err := out.ReadFrom(io.LimitReader(r, int64(sizeHint)+1)); err != nil {
		return nil, fmt.Errorf("%w: after %d bytes: %v", ErrCorruptLZWStream, out.Len(), err)
	}
	return out.Bytes(), nil
}

// undoHorizontalDifferencing replaces every sample with the running sum of the
// samples of the same component earlier in its scanline. Sums wrap at the
// sample width.
func undoHorizontalDifferencing(b []byte, c stripCodec) {
	n := c.width * c.samples
	switch c.bits {
	case 8:
		for row := 0; row < c.rows; row++ {
			line := b[row*n : (row+1)*n]
			for i := c.samples; i < n; i++ {
				line[i] += line[i-c.samples]
			}
		}
	case 16:
		stride := n * 2
		for row := 0; row < c.rows; row++ {
			line := b[row*stride : (row+1)*stride]
			for i := c.samples; i < n; i++ {
				prev := c.order.Uint16(line[(i-c.samples)*2:])
				c.order.PutUint16(line[i*2:], c.order.Uint16(line[i*2:])+prev)
			}
		}
	case 32:
		stride := n * 4
		for row := 0; row < c.rows; row++ {
			line := b[row*stride : (row+1)*stride]
			for i := c.samples; i < n; i++ {
				prev := c.order.Uint32(line[(i-c.samples)*4:])
				c.order.PutUint32(line[i*4:], c.order.Uint32(line[i*4:])+prev)
			}
		}
	}
}
