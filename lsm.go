package golsm

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// File is an open LSM container. After Open returns, every accessor is
// read-only and File is safe for concurrent plane reads.
type File struct {
	path     string
	src      *byteSource
	closer   io.Closer
	order    binary.ByteOrder
	dirs     []*Directory
	md       *metadata
	dims     Dimensions
	channels []Channel
	index    *sliceIndex
	log      zerolog.Logger
	closed   atomic.Bool
}

// Open opens a container from a local path or an http(s) URL.
// Local files are memory mapped; URLs are read with HTTP range requests.
func Open(pathOrURL string, opts ...Option) (*File, error) {
	cfg := newConfig(opts)
	src, err := openSource(pathOrURL, cfg)
	if err != nil {
		return nil, &OpenError{Stage: StageSource, Path: pathOrURL, Err: err}
	}
	f, err := newFile(src, pathOrURL, cfg)
	if err != nil {
		if src.closer != nil {
			src.closer.Close()
		}
		return nil, err
	}
	return f, nil
}

// NewFile decodes a container from any positioned reader of the given size.
// The caller keeps ownership of r; Close does not close it.
func NewFile(r io.ReaderAt, size int64, opts ...Option) (*File, error) {
	return newFile(&source{r: r, size: size}, "", newConfig(opts))
}

func newFile(src *source, path string, cfg *config) (*File, error) {
	f := &File{
		path:   path,
		src:    &byteSource{r: src.r, size: src.size},
		closer: src.closer,
		log:    cfg.logger.With().Str("source", path).Logger(),
	}
	fail := func(stage string, err error) error {
		f.log.Debug().Str("stage", stage).Err(err).Msg("open failed")
		return &OpenError{Stage: stage, Path: path, Err: err}
	}

	h, err := readHeader(f.src)
	if err != nil {
		return nil, fail(StageHeader, err)
	}
	f.order = h.order

	p := &directoryParser{src: f.src, order: f.order, maxDirs: cfg.maxDirectories}
	f.dirs, err = p.readDirectories(h.firstIFD)
	if err != nil {
		return nil, fail(StageDirectory, err)
	}

	if err := f.loadMetadata(cfg); err != nil {
		return nil, fail(StageMetadata, err)
	}

	f.index, err = buildSliceIndex(f.dirs, f.dims, f.channels)
	if err != nil {
		return nil, fail(StageIndex, err)
	}

	if f.md.warnings != nil {
		for _, w := range f.md.warnings.Errors {
			f.log.Warn().Err(w).Msg("metadata anomaly")
		}
	}
	f.log.Debug().
		Int("directories", len(f.dirs)).
		Stringer("layout", f.index.layout).
		Int("x", f.dims.X).Int("y", f.dims.Y).Int("z", f.dims.Z).
		Int("t", f.dims.T).Int("c", f.dims.C).
		Msg("opened container")
	return f, nil
}

// loadMetadata routes the first directory's private tag to the metadata walker.
// Without the tag the dimensions come from the directory chain alone.
func (f *File) loadMetadata(cfg *config) error {
	var first *Directory
	images := 0
	for _, d := range f.dirs {
		if d.IsThumbnail() {
			continue
		}
		if first == nil {
			first = d
		}
		images++
	}
	if first == nil {
		return fmt.Errorf("%w: no image directories", ErrMalformedDirectory)
	}

	lead := f.dirs[0]
	if lead.LSMInfoOffset == 0 {
		f.md = &metadata{}
		f.md.warnings = multierror.Append(f.md.warnings, fmt.Errorf("%w: no CZ_LSMINFO tag, dimensions taken from directories", ErrNotAvailable))
		f.md.dims = Dimensions{X: first.Width, Y: first.Height, Z: images, T: 1, C: first.SamplesPerPixel}
		f.md.channels = make([]Channel, f.md.dims.C)
		for i := range f.md.channels {
			f.md.channels[i] = Channel{Index: i}
		}
	} else {
		w := &metadataWalker{src: f.src, order: f.order, maxDepth: cfg.maxMetadataDepth,
			images: images, samples: first.SamplesPerPixel}
		md, err := w.walk(lead.LSMInfoOffset, lead.LSMInfoLength)
		if err != nil {
			return err
		}
		f.md = md
	}

	f.dims = f.md.dims
	if f.dims.X != first.Width || f.dims.Y != first.Height {
		f.md.warnings = multierror.Append(f.md.warnings, fmt.Errorf("metadata declares %dx%d planes, directories hold %dx%d",
			f.dims.X, f.dims.Y, first.Width, first.Height))
		f.dims.X, f.dims.Y = first.Width, first.Height
	}

	f.channels = f.md.channels
	for i := range f.channels {
		if f.channels[i].SampleType != SampleUnknown {
			continue
		}
		sample := 0
		if first.SamplesPerPixel == f.dims.C {
			sample = i
		}
		f.channels[i].SampleType = sampleTypeFromBits(first.BitsPerSample[min(sample, len(first.BitsPerSample)-1)])
	}
	return nil
}

func sampleTypeFromBits(bits uint16) SampleType {
	switch bits {
	case 8:
		return SampleUint8
	case 16:
		return SampleUint12
	case 32:
		return SampleFloat32
	default:
		return SampleUnknown
	}
}

func (f *File) checkOpen() error {
	if f.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Dimensions returns the (x, y, z, t, c) extent of the container.
func (f *File) Dimensions() Dimensions {
	return f.dims
}

// ByteOrder returns the byte order samples are stored in.
func (f *File) ByteOrder() binary.ByteOrder {
	return f.order
}

// Channel returns the descriptor of channel i.
func (f *File) Channel(i int) (Channel, error) {
	if i < 0 || i >= len(f.channels) {
		return Channel{}, fmt.Errorf("%w: channel %d of %d", ErrSliceOutOfRange, i, len(f.channels))
	}
	return f.channels[i], nil
}

// Channels returns a copy of all channel descriptors.
func (f *File) Channels() []Channel {
	return append([]Channel(nil), f.channels...)
}

// Timestamp returns the acquisition time of timepoint t in seconds.
func (f *File) Timestamp(t int) (float64, error) {
	if t < 0 || t >= f.dims.T {
		return 0, fmt.Errorf("%w: timepoint %d of %d", ErrSliceOutOfRange, t, f.dims.T)
	}
	if !f.md.stamped || t >= len(f.md.timestamps) {
		return 0, fmt.Errorf("%w: no timing recorded for timepoint %d", ErrNotAvailable, t)
	}
	return f.md.timestamps[t], nil
}

// VoxelSize returns the x, y, z sample spacing in metres, zero when unknown.
func (f *File) VoxelSize() [3]float64 {
	if f.md.info == nil {
		return [3]float64{}
	}
	return f.md.info.VoxelSize
}

// DataSpacing returns the voxel size relative to its x extent. Without a voxel
// size the spacing is isotropic.
func (f *File) DataSpacing() [3]float64 {
	v := f.VoxelSize()
	if v[0] <= 0 || v[1] <= 0 || v[2] <= 0 {
		return [3]float64{1, 1, 1}
	}
	return [3]float64{1, v[1] / v[0], v[2] / v[0]}
}

// IntensityValues returns the number of intensity levels of channel c.
func (f *File) IntensityValues(c int) (int, error) {
	ch, err := f.Channel(c)
	if err != nil {
		return 0, err
	}
	return ch.SampleType.IntensityValues(), nil
}

// Info returns the fixed metadata record. ok is false when the file has none.
func (f *File) Info() (info LSMInfo, ok bool) {
	if f.md.info == nil {
		return LSMInfo{}, false
	}
	return *f.md.info, true
}

// Recording returns the typed scan information, or nil when absent.
func (f *File) Recording() *Recording {
	return f.md.recording
}

// ScanTree returns the root of the raw scan information tree, or nil.
func (f *File) ScanTree() *Block {
	return f.md.root
}

// Directories returns every parsed directory, thumbnails included.
func (f *File) Directories() []*Directory {
	return append([]*Directory(nil), f.dirs...)
}

// Layout returns how channels are spread over the directories.
func (f *File) Layout() Layout {
	return f.index.layout
}

// Warnings returns the metadata anomalies recovered from at open, or nil.
func (f *File) Warnings() error {
	return f.md.warnings.ErrorOrNil()
}

// Close releases the source. Further plane reads fail with ErrClosed.
func (f *File) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}
