package golsm

import "fmt"

// Layout says how channels are spread over the image directories.
type Layout int

const (
	// LayoutChannelSamples stores all channels as samples of one directory per
	// (t, z). This is how the acquisition software writes every LSM file.
	LayoutChannelSamples Layout = iota + 1
	// LayoutChannelDirectories stores one single-sample directory per (c, t, z),
	// slices varying fastest, then channels, then timepoints.
	LayoutChannelDirectories
)

func (l Layout) String() string {
	switch l {
	case LayoutChannelSamples:
		return "channel-samples"
	case LayoutChannelDirectories:
		return "channel-directories"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// component is one sample plane inside a directory.
type component struct {
	dir    *Directory
	sample int
}

// bits returns the stored width of the component's samples.
func (c component) bits() int {
	return int(c.dir.BitsPerSample[c.sample])
}

// strip returns the strip table index holding rows [s*rps, (s+1)*rps) of the
// component, and how many samples are interleaved in that strip.
func (c component) strip(s int) (idx, samples int) {
	if c.dir.PlanarConfig == PlanarSeparate {
		return c.sample*c.dir.StripsPerPlane() + s, 1
	}
	return s, c.dir.SamplesPerPixel
}

// sliceEntry is everything needed to assemble one (c, t, z) plane.
type sliceEntry struct {
	component
	channel    int
	timepoint  int
	z          int
	sampleType SampleType
}

// sliceIndex maps (c, t, z) to its entry in O(1). It is immutable after build.
type sliceIndex struct {
	layout  Layout
	dims    Dimensions
	entries []sliceEntry
	images  []*Directory
}

// buildSliceIndex chooses the layout from the number of image directories and
// resolves every plane once. Thumbnail directories are not image planes.
func buildSliceIndex(dirs []*Directory, dims Dimensions, channels []Channel) (*sliceIndex, error) {
	var images []*Directory
	for _, d := range dirs {
		if !d.IsThumbnail() {
			images = append(images, d)
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no image directories", ErrMalformedDirectory)
	}

	// Bound each count by the directories before multiplying so that
	// counts read from the file cannot overflow.
	n := len(images)
	if dims.Z <= 0 || dims.T <= 0 || dims.C <= 0 || dims.Z > n || dims.T > n/dims.Z {
		return nil, fmt.Errorf("%w: %d image directories cannot hold %d timepoints x %d slices",
			ErrMalformedDirectory, n, dims.T, dims.Z)
	}

	ix := &sliceIndex{dims: dims, images: images}
	stacks := dims.Z * dims.T
	switch {
	case images[0].SamplesPerPixel == dims.C:
		ix.layout = LayoutChannelSamples
	case dims.C <= n/stacks && images[0].SamplesPerPixel == 1:
		ix.layout = LayoutChannelDirectories
	default:
		return nil, fmt.Errorf("%w: %d image directories with %d samples cannot hold %d channels x %d timepoints x %d slices",
			ErrMalformedDirectory, len(images), images[0].SamplesPerPixel, dims.C, dims.T, dims.Z)
	}

	first := images[0]
	ix.entries = make([]sliceEntry, dims.Planes())
	for t := 0; t < dims.T; t++ {
		for c := 0; c < dims.C; c++ {
			for z := 0; z < dims.Z; z++ {
				e := sliceEntry{channel: c, timepoint: t, z: z}
				if ix.layout == LayoutChannelSamples {
					e.component = component{dir: images[t*dims.Z+z], sample: c}
				} else {
					e.component = component{dir: images[(t*dims.C+c)*dims.Z+z], sample: 0}
				}
				if err := e.dir.validate(); err != nil {
					return nil, err
				}
				if e.dir.Width != first.Width || e.dir.Height != first.Height {
					return nil, fmt.Errorf("%w: directory at %d is %dx%d, first image is %dx%d",
						ErrMalformedDirectory, e.dir.Offset, e.dir.Width, e.dir.Height, first.Width, first.Height)
				}
				if e.sample >= e.dir.SamplesPerPixel {
					return nil, fmt.Errorf("%w: directory at %d has no sample %d",
						ErrMalformedDirectory, e.dir.Offset, e.sample)
				}
				if c < len(channels) {
					e.sampleType = channels[c].SampleType
				}
				ix.entries[ix.offset(c, t, z)] = e
			}
		}
	}
	return ix, nil
}

func (ix *sliceIndex) offset(c, t, z int) int {
	return (t*ix.dims.C+c)*ix.dims.Z + z
}

// lookup returns the entry for (c, t, z).
func (ix *sliceIndex) lookup(c, t, z int) (*sliceEntry, error) {
	d := ix.dims
	if c < 0 || c >= d.C || t < 0 || t >= d.T || z < 0 || z >= d.Z {
		return nil, fmt.Errorf("%w: c=%d t=%d z=%d outside %d channels, %d timepoints, %d slices",
			ErrSliceOutOfRange, c, t, z, d.C, d.T, d.Z)
	}
	return &ix.entries[ix.offset(c, t, z)], nil
}
