package golsm

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sync"
)

// PlaneFormat selects the layout of samples written to a caller buffer.
// The zero value keeps the stored sample width in native byte order.
type PlaneFormat struct {
	ByteOrder   binary.ByteOrder
	SampleBytes int // 1, 2 or 4; widening only
}

// PlaneRequest is one plane read for ReadPlanes. Buf is allocated when nil.
// Err holds the request's own outcome after ReadPlanes returns.
type PlaneRequest struct {
	Channel   int
	Timepoint int
	Z         int
	Format    PlaneFormat
	Buf       []byte
	Err       error
}

// pixelLayout is where each component's samples land inside an output pixel.
type pixelLayout struct {
	stride  int
	offsets []int
	widths  []int
	out     binary.ByteOrder
}

func sameOrder(a, b binary.ByteOrder) bool {
	var x [2]byte
	a.PutUint16(x[:], 1)
	return b.Uint16(x[:]) == 1
}

// layoutFor validates format against the stored samples of comps.
func layoutFor(comps []*sliceEntry, format PlaneFormat) (*pixelLayout, error) {
	pl := &pixelLayout{out: format.ByteOrder, offsets: make([]int, len(comps)), widths: make([]int, len(comps))}
	if pl.out == nil {
		pl.out = binary.NativeEndian
	}
	for k, e := range comps {
		stored := e.bits() / 8
		switch e.bits() {
		case 8, 16, 32:
		default:
			return nil, fmt.Errorf("%w: %d bits per sample", ErrFormat, e.bits())
		}
		width := format.SampleBytes
		if width == 0 {
			width = stored
		}
		switch {
		case width != 1 && width != 2 && width != 4:
			return nil, fmt.Errorf("%w: %d bytes per sample", ErrFormat, width)
		case width < stored:
			return nil, fmt.Errorf("%w: cannot narrow %d-byte samples to %d bytes", ErrFormat, stored, width)
		case width != stored && e.sampleType == SampleFloat32:
			return nil, fmt.Errorf("%w: cannot widen float samples", ErrFormat)
		}
		pl.offsets[k] = pl.stride
		pl.widths[k] = width
		pl.stride += width
	}
	return pl, nil
}

// stripKey identifies a decoded strip shared by components of one directory.
type stripKey struct {
	dir *Directory
	idx int
}

type decodedStrip struct {
	data    []byte
	pooled  []byte
	lastRow int
	samples int
}

// assembler writes the rows of one or more components into a caller buffer.
// It is created per request and never shared between goroutines.
type assembler struct {
	src    *byteSource
	order  binary.ByteOrder
	width  int
	height int
	strips map[stripKey]*decodedStrip
}

func (a *assembler) release(upTo int) {
	for k, s := range a.strips {
		if s.lastRow < upTo {
			if s.pooled != nil {
				PutBuffer(s.pooled)
			}
			delete(a.strips, k)
		}
	}
}

// stripFor returns the decoded strip holding row y of the component.
func (a *assembler) stripFor(e *sliceEntry, y int) (*decodedStrip, int, error) {
	rps := e.dir.RowsPerStrip
	s := y / rps
	idx, samples := e.strip(s)
	key := stripKey{e.dir, idx}
	if ds, ok := a.strips[key]; ok {
		return ds, idx, nil
	}

	if idx >= len(e.dir.StripOffsets) {
		return nil, idx, fmt.Errorf("%w: strip %d missing from table of %d", ErrDecodeFailure, idx, len(e.dir.StripOffsets))
	}
	off := int64(e.dir.StripOffsets[idx])
	n := int(e.dir.StripByteCounts[idx])
	if off+int64(n) > a.src.size {
		return nil, idx, fmt.Errorf("%w: strip of %d bytes at %d ends past the file", ErrDecodeFailure, n, off)
	}
	raw := GetBuffer(n)
	if err := a.src.readInto(raw, off); err != nil {
		PutBuffer(raw)
		return nil, idx, fmt.Errorf("%w: reading %d bytes at %d: %v", ErrDecodeFailure, n, off, err)
	}

	rows := min(rps, a.height-s*rps)
	codec := stripCodec{
		compression: e.dir.Compression,
		predictor:   e.dir.Predictor,
		bits:        e.bits(),
		samples:     samples,
		width:       a.width,
		rows:        rows,
		order:       a.order,
	}
	data, err := decompressStrip(raw, codec)
	if err != nil {
		PutBuffer(raw)
		return nil, idx, err
	}
	ds := &decodedStrip{data: data, lastRow: s*rps + rows - 1, samples: samples}
	if e.dir.Compression == CompressionNone {
		ds.pooled = raw
	} else {
		PutBuffer(raw)
	}
	a.strips[key] = ds
	return ds, idx, nil
}

// assemble fills buf with comps interleaved per pixel. Rows are completed in
// order, so when it fails every row before the reported one is already written.
func (a *assembler) assemble(comps []*sliceEntry, pl *pixelLayout, buf []byte) error {
	need := a.width * a.height * pl.stride
	if len(buf) < need {
		return fmt.Errorf("%w: buffer holds %d bytes, plane needs %d", io.ErrShortBuffer, len(buf), need)
	}
	for _, e := range comps {
		if e.dir.PlanarConfig != PlanarSeparate {
			for _, b := range e.dir.BitsPerSample {
				if int(b) != e.bits() {
					return &PlaneError{Channel: e.channel, Timepoint: e.timepoint, Z: e.z, Err: fmt.Errorf("%w: mixed sample widths in contiguous directory", ErrDecodeFailure)}
				}
			}
		}
	}

	a.strips = make(map[stripKey]*decodedStrip)
	defer a.release(a.height)

	direct := len(comps) == 1 && pl.widths[0] == comps[0].bits()/8 &&
		(pl.widths[0] == 1 || sameOrder(a.order, pl.out))

	for y := 0; y < a.height; y++ {
		a.release(y)
		rowOut := buf[y*a.width*pl.stride : (y+1)*a.width*pl.stride]
		for k, e := range comps {
			ds, idx, err := a.stripFor(e, y)
			if err != nil {
				return &PlaneError{Channel: e.channel, Timepoint: e.timepoint, Z: e.z, Strip: idx, Row: y, Err: err}
			}
			stored := e.bits() / 8
			line := a.width * ds.samples * stored
			r := y % e.dir.RowsPerStrip
			src := ds.data[r*line : (r+1)*line]

			if direct && ds.samples == 1 {
				copy(rowOut, src)
				continue
			}
			inPixel := 0
			if ds.samples > 1 {
				inPixel = e.sample * stored
			}
			a.copySamples(rowOut, src, pl, k, stored, ds.samples*stored, inPixel)
		}
	}
	return nil
}

// copySamples moves one row of a component from strip layout to output layout,
// swapping and widening as required.
func (a *assembler) copySamples(dst, src []byte, pl *pixelLayout, k, stored, srcStride, srcOff int) {
	width := pl.widths[k]
	dstOff := pl.offsets[k]
	for x := 0; x < a.width; x++ {
		s := src[x*srcStride+srcOff:]
		d := dst[x*pl.stride+dstOff:]
		var v uint32
		switch stored {
		case 1:
			v = uint32(s[0])
		case 2:
			v = uint32(a.order.Uint16(s))
		case 4:
			v = a.order.Uint32(s)
		}
		switch width {
		case 1:
			d[0] = uint8(v)
		case 2:
			pl.out.PutUint16(d, uint16(v))
		case 4:
			pl.out.PutUint32(d, v)
		}
	}
}

// PlaneSize returns the buffer size ReadPlane needs for channel c.
func (f *File) PlaneSize(c int) (int, error) {
	return f.PlaneSizeFormat(c, PlaneFormat{})
}

// PlaneSizeFormat returns the buffer size ReadPlaneFormat needs for channel c.
func (f *File) PlaneSizeFormat(c int, format PlaneFormat) (int, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	e, err := f.index.lookup(c, 0, 0)
	if err != nil {
		return 0, err
	}
	pl, err := layoutFor([]*sliceEntry{e}, format)
	if err != nil {
		return 0, err
	}
	return e.dir.Width * e.dir.Height * pl.stride, nil
}

// ReadPlane decodes the (c, t, z) plane into buf using the stored sample width
// in native byte order.
func (f *File) ReadPlane(c, t, z int, buf []byte) error {
	return f.ReadPlaneFormat(c, t, z, buf, PlaneFormat{})
}

// ReadPlaneFormat decodes the (c, t, z) plane into buf in the requested format.
func (f *File) ReadPlaneFormat(c, t, z int, buf []byte, format PlaneFormat) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	e, err := f.index.lookup(c, t, z)
	if err != nil {
		return err
	}
	return f.assemble([]*sliceEntry{e}, buf, format)
}

// Plane allocates and returns the (c, t, z) plane in native byte order.
func (f *File) Plane(c, t, z int) ([]byte, error) {
	n, err := f.PlaneSize(c)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := f.ReadPlane(c, t, z, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// CompositeSize returns the buffer size ReadComposite needs.
func (f *File) CompositeSize(format PlaneFormat) (int, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	comps, err := f.composite(0, 0)
	if err != nil {
		return 0, err
	}
	pl, err := layoutFor(comps, format)
	if err != nil {
		return 0, err
	}
	return comps[0].dir.Width * comps[0].dir.Height * pl.stride, nil
}

// ReadComposite decodes every channel of (t, z) into buf with the channels
// interleaved per pixel in channel order.
func (f *File) ReadComposite(t, z int, buf []byte, format PlaneFormat) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	comps, err := f.composite(t, z)
	if err != nil {
		return err
	}
	return f.assemble(comps, buf, format)
}

func (f *File) composite(t, z int) ([]*sliceEntry, error) {
	comps := make([]*sliceEntry, f.dims.C)
	for c := range comps {
		e, err := f.index.lookup(c, t, z)
		if err != nil {
			return nil, err
		}
		comps[c] = e
	}
	return comps, nil
}

func (f *File) assemble(comps []*sliceEntry, buf []byte, format PlaneFormat) error {
	pl, err := layoutFor(comps, format)
	if err != nil {
		return err
	}
	a := &assembler{src: f.src, order: f.order, width: comps[0].dir.Width, height: comps[0].dir.Height}
	err = a.assemble(comps, pl, buf)
	if err != nil {
		f.log.Debug().Err(err).Msg("plane decode failed")
	}
	return err
}

// ReadPlanes decodes reqs concurrently on up to workers goroutines
// (runtime.NumCPU when workers <= 0). Each request records its own error; the
// first failure in request order is returned. Requests not yet started when ctx
// is cancelled fail with the context error.
func (f *File) ReadPlanes(ctx context.Context, reqs []*PlaneRequest, workers int) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if len(reqs) == 0 {
		return nil
	}

	numWorkers := workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(reqs) {
		numWorkers = len(reqs)
	}

	var wg sync.WaitGroup
	workChan := make(chan *PlaneRequest, len(reqs))

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range workChan {
				if err := ctx.Err(); err != nil {
					req.Err = err
					continue
				}
				if req.Buf == nil {
					n, err := f.PlaneSizeFormat(req.Channel, req.Format)
					if err != nil {
						req.Err = err
						continue
					}
					req.Buf = make([]byte, n)
				}
				req.Err = f.ReadPlaneFormat(req.Channel, req.Timepoint, req.Z, req.Buf, req.Format)
			}
		}()
	}

	for _, req := range reqs {
		workChan <- req
	}
	close(workChan)

	wg.Wait()

	for _, req := range reqs {
		if req.Err != nil {
			return req.Err
		}
	}
	return nil
}
