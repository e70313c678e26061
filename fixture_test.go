package golsm

import (
	"bytes"
	"encoding/binary"
	"image/color"
	"math"
	"sort"
	"testing"
)

// bitWriter packs codes most significant bit first.
type bitWriter struct {
	buf bytes.Buffer
	acc uint32
	n   uint
}

func (w *bitWriter) write(code, width int) {
	w.acc = w.acc<<uint(width) | uint32(code)
	w.n += uint(width)
	for w.n >= 8 {
		w.buf.WriteByte(byte(w.acc >> (w.n - 8)))
		w.n -= 8
	}
	w.acc &= (1 << w.n) - 1
}

func (w *bitWriter) flush() []byte {
	if w.n > 0 {
		w.buf.WriteByte(byte(w.acc << (8 - w.n)))
		w.n, w.acc = 0, 0
	}
	return w.buf.Bytes()
}

// encodeTIFFLZW is a reference TIFF LZW encoder: MSB first, code width growing
// one code early, a clear code first and whenever the table fills.
func encodeTIFFLZW(data []byte) []byte {
	const clearCode, eoiCode, tableFull = 256, 257, 4094

	w := &bitWriter{}
	var dict map[string]int
	next, width := 0, 0
	reset := func() {
		dict = make(map[string]int)
		next, width = 258, 9
	}
	code := func(s string) int {
		if len(s) == 1 {
			return int(s[0])
		}
		return dict[s]
	}
	grow := func() {
		next++
		if next >= 1<<width && width < 12 {
			width++
		}
	}

	reset()
	w.write(clearCode, width)

	cur := ""
	for _, b := range data {
		s := cur + string([]byte{b})
		if cur == "" {
			cur = s
			continue
		}
		if _, ok := dict[s]; ok {
			cur = s
			continue
		}
		w.write(code(cur), width)
		dict[s] = next
		grow()
		if next == tableFull {
			w.write(clearCode, width)
			reset()
		}
		cur = string([]byte{b})
	}
	if cur != "" {
		w.write(code(cur), width)
		grow()
	}
	w.write(eoiCode, width)
	return w.flush()
}

// encodeHorizontal applies horizontal differencing in place.
func encodeHorizontal(b []byte, bits, samples, width, rows int, order binary.ByteOrder) {
	n := width * samples
	bps := bits / 8
	for row := 0; row < rows; row++ {
		line := b[row*n*bps : (row+1)*n*bps]
		for i := n - 1; i >= samples; i-- {
			switch bits {
			case 8:
				line[i] -= line[i-samples]
			case 16:
				order.PutUint16(line[i*2:], order.Uint16(line[i*2:])-order.Uint16(line[(i-samples)*2:]))
			case 32:
				order.PutUint32(line[i*4:], order.Uint32(line[i*4:])-order.Uint32(line[(i-samples)*4:]))
			}
		}
	}
}

// scanBuilder writes a scan information stream.
type scanBuilder struct {
	order binary.ByteOrder
	buf   bytes.Buffer
}

func newScanBuilder(order binary.ByteOrder) *scanBuilder {
	return &scanBuilder{order: order}
}

func (b *scanBuilder) entry(code, typ uint32, data []byte) *scanBuilder {
	var head [12]byte
	b.order.PutUint32(head[0:], code)
	b.order.PutUint32(head[4:], typ)
	b.order.PutUint32(head[8:], uint32(len(data)))
	b.buf.Write(head[:])
	b.buf.Write(data)
	return b
}

func (b *scanBuilder) open(code uint32) *scanBuilder { return b.entry(code, EntrySubblock, nil) }
func (b *scanBuilder) end() *scanBuilder             { return b.entry(SubblockEnd, EntrySubblock, nil) }

func (b *scanBuilder) text(code uint32, s string) *scanBuilder {
	return b.entry(code, EntryASCII, append([]byte(s), 0))
}

func (b *scanBuilder) long(code uint32, v int32) *scanBuilder {
	d := make([]byte, 4)
	b.order.PutUint32(d, uint32(v))
	return b.entry(code, EntryLong, d)
}

func (b *scanBuilder) double(code uint32, v float64) *scanBuilder {
	d := make([]byte, 8)
	b.order.PutUint64(d, math.Float64bits(v))
	return b.entry(code, EntryRational, d)
}

func (b *scanBuilder) bytes() []byte { return b.buf.Bytes() }

// testLSM describes a synthetic container.
type testLSM struct {
	order        binary.ByteOrder
	width        int
	height       int
	z, t, c      int
	bits         int
	compression  uint16
	predictor    uint16
	planar       uint16
	rowsPerStrip int
	channelDirs  bool
	thumbnails   bool
	noInfo       bool
	names        []string
	colors       []color.RGBA
	stamps       []float64
	interval     float64
	voxel        [3]float64
	origin       [3]float64
	scanInfo     []byte
	dataTypes    []uint32
}

// defaultLSM is 2 channels x 2 timepoints x 1 slice of 6x4 8-bit pixels.
func defaultLSM() *testLSM {
	return &testLSM{
		order:       binary.LittleEndian,
		width:       6,
		height:      4,
		z:           1,
		t:           2,
		c:           2,
		bits:        8,
		compression: CompressionNone,
		predictor:   PredictorNone,
		planar:      PlanarContiguous,
		names:       []string{"Ch1-T1", "Ch2-T2"},
		colors:      []color.RGBA{{R: 0, G: 255, B: 0, A: 255}, {R: 255, G: 0, B: 0, A: 255}},
		stamps:      []float64{0, 1.5},
		voxel:       [3]float64{0.2e-6, 0.2e-6, 1e-6},
		origin:      [3]float64{10e-6, 20e-6, 0},
	}
}

func (s *testLSM) sampleBytes() int { return s.bits / 8 }

// value is the deterministic sample at (c, t, z, x, y).
func (s *testLSM) value(c, t, z, x, y int) uint32 {
	v := uint32(c*97 + t*61 + z*31 + x*7 + y*13 + x*y*3)
	switch s.bits {
	case 8:
		return v & 0xff
	case 16:
		return (v * 37) & 0xffff
	default:
		return v * 104729
	}
}

// expectedPlane returns the (c, t, z) plane in order with outBytes per sample.
func (s *testLSM) expectedPlane(c, t, z int, order binary.ByteOrder, outBytes int) []byte {
	if outBytes == 0 {
		outBytes = s.sampleBytes()
	}
	out := make([]byte, s.width*s.height*outBytes)
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			putSample(out[(y*s.width+x)*outBytes:], s.value(c, t, z, x, y), outBytes, order)
		}
	}
	return out
}

func putSample(b []byte, v uint32, n int, order binary.ByteOrder) {
	switch n {
	case 1:
		b[0] = uint8(v)
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, v)
	}
}

// lsmFixture is a built container plus the offsets tests corrupt.
type lsmFixture struct {
	data       []byte
	dirOffsets []int64
	infoOffset int64
	scanOffset int64
}

type ifdEntry struct {
	tag   uint16
	typ   DataType
	count uint32
	data  []byte
}

type fileWriter struct {
	order binary.ByteOrder
	buf   bytes.Buffer
}

func (w *fileWriter) put(b []byte) int64 {
	if w.buf.Len()%2 == 1 {
		w.buf.WriteByte(0)
	}
	off := int64(w.buf.Len())
	w.buf.Write(b)
	return off
}

func (w *fileWriter) u16s(vs ...int) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		w.order.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func (w *fileWriter) u32s(vs ...int64) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		w.order.PutUint32(b[i*4:], uint32(v))
	}
	return b
}

// encodeStrip lays out, differences and compresses rows [r0, r1) of the
// given channels interleaved per pixel.
func (s *testLSM) encodeStrip(chans []int, t, z, r0, r1 int) []byte {
	bps := s.sampleBytes()
	raw := make([]byte, (r1-r0)*s.width*len(chans)*bps)
	i := 0
	for y := r0; y < r1; y++ {
		for x := 0; x < s.width; x++ {
			for _, c := range chans {
				putSample(raw[i:], s.value(c, t, z, x, y), bps, s.order)
				i += bps
			}
		}
	}
	if s.predictor == PredictorHorizontal {
		encodeHorizontal(raw, s.bits, len(chans), s.width, r1-r0, s.order)
	}
	if s.compression == CompressionLZW {
		return encodeTIFFLZW(raw)
	}
	return raw
}

type testDir struct {
	entries []ifdEntry
}

// imageDir writes the strips of one image directory holding chans.
func (s *testLSM) imageDir(w *fileWriter, chans []int, t, z int) *testDir {
	rps := s.rowsPerStrip
	if rps <= 0 {
		rps = 1
	}
	spp := len(chans)
	var offsets, counts []int64
	writeStrips := func(cs []int) {
		for r0 := 0; r0 < s.height; r0 += rps {
			r1 := min(r0+rps, s.height)
			strip := s.encodeStrip(cs, t, z, r0, r1)
			offsets = append(offsets, w.put(strip))
			counts = append(counts, int64(len(strip)))
		}
	}
	if s.planar == PlanarSeparate {
		for _, c := range chans {
			writeStrips([]int{c})
		}
	} else {
		writeStrips(chans)
	}

	bits := make([]int, spp)
	for i := range bits {
		bits[i] = s.bits
	}
	photometric := 1
	if spp >= 3 {
		photometric = 2
	}
	d := &testDir{entries: []ifdEntry{
		{TagNewSubfileType, DTLong, 1, w.u32s(0)},
		{TagImageWidth, DTLong, 1, w.u32s(int64(s.width))},
		{TagImageLength, DTLong, 1, w.u32s(int64(s.height))},
		{TagBitsPerSample, DTShort, uint32(spp), w.u16s(bits...)},
		{TagCompression, DTShort, 1, w.u16s(int(s.compression))},
		{TagPhotometricInterpretation, DTShort, 1, w.u16s(photometric)},
		{TagStripOffsets, DTLong, uint32(len(offsets)), w.u32s(offsets...)},
		{TagSamplesPerPixel, DTShort, 1, w.u16s(spp)},
		{TagRowsPerStrip, DTLong, 1, w.u32s(int64(rps))},
		{TagStripByteCounts, DTLong, uint32(len(counts)), w.u32s(counts...)},
		{TagPlanarConfiguration, DTShort, 1, w.u16s(int(s.planar))},
	}}
	if s.predictor != PredictorNone && s.predictor != 0 {
		d.entries = append(d.entries, ifdEntry{TagPredictor, DTShort, 1, w.u16s(int(s.predictor))})
	}
	return d
}

// thumbnailDir is a 2x2 8-bit reduced image flagged as a thumbnail.
func (s *testLSM) thumbnailDir(w *fileWriter, spp int) *testDir {
	strip := bytes.Repeat([]byte{0xAB}, 2*2*spp)
	off := w.put(strip)
	bits := make([]int, spp)
	for i := range bits {
		bits[i] = 8
	}
	return &testDir{entries: []ifdEntry{
		{TagNewSubfileType, DTLong, 1, w.u32s(1)},
		{TagImageWidth, DTLong, 1, w.u32s(2)},
		{TagImageLength, DTLong, 1, w.u32s(2)},
		{TagBitsPerSample, DTShort, uint32(spp), w.u16s(bits...)},
		{TagCompression, DTShort, 1, w.u16s(CompressionNone)},
		{TagStripOffsets, DTLong, 1, w.u32s(off)},
		{TagSamplesPerPixel, DTShort, 1, w.u16s(spp)},
		{TagRowsPerStrip, DTLong, 1, w.u32s(2)},
		{TagStripByteCounts, DTLong, 1, w.u32s(int64(len(strip)))},
	}}
}

// lsmInfo writes the fixed record and the blocks it points at.
func (s *testLSM) lsmInfo(w *fileWriter, fx *lsmFixture) []byte {
	o := s.order
	var colorsOff, stampsOff, typesOff, scanOff int64

	if len(s.colors) > 0 || len(s.names) > 0 {
		var names bytes.Buffer
		for _, n := range s.names {
			var l [4]byte
			o.PutUint32(l[:], uint32(len(n)+1))
			names.Write(l[:])
			names.WriteString(n)
			names.WriteByte(0)
		}
		colorsAt := 24
		namesAt := colorsAt + 4*len(s.colors)
		size := namesAt + names.Len()
		block := make([]byte, size)
		o.PutUint32(block[0:], uint32(size))
		o.PutUint32(block[4:], uint32(len(s.colors)))
		o.PutUint32(block[8:], uint32(len(s.names)))
		o.PutUint32(block[12:], uint32(colorsAt))
		o.PutUint32(block[16:], uint32(namesAt))
		for i, c := range s.colors {
			copy(block[colorsAt+4*i:], []byte{c.R, c.G, c.B, 0})
		}
		copy(block[namesAt:], names.Bytes())
		colorsOff = w.put(block)
	}
	if s.stamps != nil {
		block := make([]byte, 8+8*len(s.stamps))
		o.PutUint32(block[0:], uint32(len(block)))
		o.PutUint32(block[4:], uint32(len(s.stamps)))
		for i, v := range s.stamps {
			o.PutUint64(block[8+8*i:], math.Float64bits(v))
		}
		stampsOff = w.put(block)
	}
	if s.dataTypes != nil {
		block := make([]byte, 4*len(s.dataTypes))
		for i, v := range s.dataTypes {
			o.PutUint32(block[4*i:], v)
		}
		typesOff = w.put(block)
	}
	if s.scanInfo != nil {
		scanOff = w.put(s.scanInfo)
		fx.scanOffset = scanOff
	}

	info := make([]byte, 224)
	o.PutUint32(info[lsmOffMagic:], lsmMagic15)
	o.PutUint32(info[lsmOffStructureSize:], uint32(len(info)))
	o.PutUint32(info[lsmOffDimensionX:], uint32(s.width))
	o.PutUint32(info[lsmOffDimensionY:], uint32(s.height))
	o.PutUint32(info[lsmOffDimensionZ:], uint32(s.z))
	o.PutUint32(info[lsmOffDimensionChannels:], uint32(s.c))
	o.PutUint32(info[lsmOffDimensionTime:], uint32(s.t))
	if s.dataTypes == nil {
		o.PutUint32(info[lsmOffDataType:], uint32(sampleTypeFromBits(uint16(s.bits))))
	}
	for i, v := range s.voxel {
		o.PutUint64(info[lsmOffVoxelSizeX+8*i:], math.Float64bits(v))
	}
	for i, v := range s.origin {
		o.PutUint64(info[lsmOffOriginX+8*i:], math.Float64bits(v))
	}
	o.PutUint16(info[lsmOffScanType:], ScanTypeTimeSeriesXY)
	o.PutUint64(info[lsmOffTimeInterval:], math.Float64bits(s.interval))
	o.PutUint32(info[lsmOffChannelColors:], uint32(colorsOff))
	o.PutUint32(info[lsmOffChannelDataTypes:], uint32(typesOff))
	o.PutUint32(info[lsmOffScanInformation:], uint32(scanOff))
	o.PutUint32(info[lsmOffTimeStamps:], uint32(stampsOff))
	return info
}

// buildLSM serializes the container: header, strips, metadata blocks, value
// arrays, then every directory back to back.
func buildLSM(tb testing.TB, s *testLSM) *lsmFixture {
	tb.Helper()
	fx := &lsmFixture{}
	w := &fileWriter{order: s.order}
	w.buf.Write(make([]byte, tiffHeaderSize))

	var dirs []*testDir
	all := make([]int, s.c)
	for i := range all {
		all[i] = i
	}
	for t := 0; t < s.t; t++ {
		if s.channelDirs {
			for c := 0; c < s.c; c++ {
				for z := 0; z < s.z; z++ {
					dirs = append(dirs, s.imageDir(w, []int{c}, t, z))
				}
			}
			continue
		}
		for z := 0; z < s.z; z++ {
			dirs = append(dirs, s.imageDir(w, all, t, z))
			if s.thumbnails {
				dirs = append(dirs, s.thumbnailDir(w, s.c))
			}
		}
	}

	if !s.noInfo {
		info := s.lsmInfo(w, fx)
		fx.infoOffset = w.put(info)
		dirs[0].entries = append(dirs[0].entries, ifdEntry{TagCZLSMInfo, DTByte, uint32(len(info)), nil})
	}

	// Out-of-line values first, so the directories can be contiguous.
	offsets := make([][]int64, len(dirs))
	for i, d := range dirs {
		sort.Slice(d.entries, func(a, b int) bool { return d.entries[a].tag < d.entries[b].tag })
		offsets[i] = make([]int64, len(d.entries))
		for j, e := range d.entries {
			switch {
			case e.tag == TagCZLSMInfo:
				offsets[i][j] = fx.infoOffset
			case len(e.data) > 4:
				offsets[i][j] = w.put(e.data)
			}
		}
	}

	if w.buf.Len()%2 == 1 {
		w.buf.WriteByte(0)
	}
	pos := int64(w.buf.Len())
	for _, d := range dirs {
		fx.dirOffsets = append(fx.dirOffsets, pos)
		pos += int64(2 + tagRecordSize*len(d.entries) + 4)
	}
	for i, d := range dirs {
		var rec [tagRecordSize]byte
		w.buf.Write(w.u16s(len(d.entries)))
		for j, e := range d.entries {
			clear(rec[:])
			s.order.PutUint16(rec[0:], e.tag)
			s.order.PutUint16(rec[2:], uint16(e.typ))
			s.order.PutUint32(rec[4:], e.count)
			if e.tag == TagCZLSMInfo || len(e.data) > 4 {
				s.order.PutUint32(rec[8:], uint32(offsets[i][j]))
			} else {
				copy(rec[8:], e.data)
			}
			w.buf.Write(rec[:])
		}
		next := int64(0)
		if i+1 < len(dirs) {
			next = fx.dirOffsets[i+1]
		}
		w.buf.Write(w.u32s(next))
	}

	data := w.buf.Bytes()
	if s.order == binary.BigEndian {
		copy(data[0:], "MM")
	} else {
		copy(data[0:], "II")
	}
	s.order.PutUint16(data[2:], tiffVersion)
	s.order.PutUint32(data[4:], uint32(fx.dirOffsets[0]))
	fx.data = data
	return fx
}

// openFixture opens a built container from memory.
func openFixture(tb testing.TB, fx *lsmFixture, opts ...Option) *File {
	tb.Helper()
	f, err := NewFile(bytes.NewReader(fx.data), int64(len(fx.data)), opts...)
	if err != nil {
		tb.Fatalf("Failed to open synthetic LSM: %v", err)
	}
	return f
}
