package golsm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Scan information entry value types
const (
	EntrySubblock = 0
	EntryASCII    = 2
	EntryLong     = 4
	EntryRational = 5
)

// Sub-block (container) codes
const (
	SubblockRecording             = 0x10000000
	SubblockTracks                = 0x20000000
	SubblockLasers                = 0x30000000
	SubblockTrack                 = 0x40000000
	SubblockLaser                 = 0x50000000
	SubblockDetectionChannels     = 0x60000000
	SubblockDetectionChannel      = 0x70000000
	SubblockIlluminationChannels  = 0x80000000
	SubblockIlluminationChannel   = 0x90000000
	SubblockBeamSplitters         = 0xA0000000
	SubblockBeamSplitter          = 0xB0000000
	SubblockDataChannels          = 0xC0000000
	SubblockDataChannel           = 0xD0000000
	SubblockTimers                = 0x11000000
	SubblockTimer                 = 0x12000000
	SubblockMarkers               = 0x13000000
	SubblockMarker                = 0x14000000
	SubblockEnd                   = 0xFFFFFFFF
	scanEntryHeaderSize           = 12
	defaultMaxMetadataDepth       = 8
	maxScanInformationEntries     = 1 << 20
	maxScanInformationStringBytes = 1 << 16
)

// Recording entries
const (
	RecordingName              = 0x10000001
	RecordingDescription       = 0x10000002
	RecordingNotes             = 0x10000003
	RecordingObjective         = 0x10000004
	RecordingProcessingSummary = 0x10000005
	RecordingSpecialScanMode   = 0x10000006
	RecordingScanType          = 0x10000007
	RecordingScanMode          = 0x10000008
	RecordingNumberOfStacks    = 0x10000009
	RecordingLinesPerPlane     = 0x1000000A
	RecordingSamplesPerLine    = 0x1000000B
	RecordingPlanesPerVolume   = 0x1000000C
	RecordingImagesWidth       = 0x1000000D
	RecordingImagesHeight      = 0x1000000E
	RecordingImagesPlanes      = 0x1000000F
	RecordingImagesStacks      = 0x10000010
	RecordingImagesChannels    = 0x10000011
	RecordingLinscanXYSize     = 0x10000012
	RecordingScanDirection     = 0x10000013
	RecordingTimeSeries        = 0x10000014
	RecordingOriginalScanData  = 0x10000015
	RecordingZoomX             = 0x10000016
	RecordingZoomY             = 0x10000017
	RecordingZoomZ             = 0x10000018
	RecordingSample0X          = 0x10000019
	RecordingSample0Y          = 0x1000001A
	RecordingSample0Z          = 0x1000001B
	RecordingSampleSpacing     = 0x1000001C
	RecordingLineSpacing       = 0x1000001D
	RecordingPlaneSpacing      = 0x1000001E
	RecordingPlaneWidth        = 0x1000001F
	RecordingPlaneHeight       = 0x10000020
	RecordingVolumeDepth       = 0x10000021
	RecordingNutation          = 0x10000023
	RecordingRotation          = 0x10000034
	RecordingPrecession        = 0x10000035
	RecordingSample0Time       = 0x10000036
)

// Track, laser, channel, timer and marker entries
const (
	TrackMultiplexType          = 0x40000001
	TrackMultiplexOrder         = 0x40000002
	TrackSamplingMode           = 0x40000003
	TrackSamplingMethod         = 0x40000004
	TrackSamplingNumber         = 0x40000005
	TrackAcquire                = 0x40000006
	TrackSampleObservationTime  = 0x40000007
	TrackTimeBetweenStacks      = 0x4000000B
	TrackName                   = 0x4000000C
	LaserName                   = 0x50000001
	LaserAcquire                = 0x50000002
	LaserPower                  = 0x50000003
	DetectionIntegrationMode    = 0x70000001
	DetectionSpecialMode        = 0x70000002
	DetectionDetectorGainFirst  = 0x70000003
	DetectionDetectorGainLast   = 0x70000004
	DetectionAmplifierGainFirst = 0x70000005
	DetectionAmplifierGainLast  = 0x70000006
	DetectionAmplifierOffsFirst = 0x70000007
	DetectionAmplifierOffsLast  = 0x70000008
	DetectionPinholeDiameter    = 0x70000009
	DetectionCountingTrigger    = 0x7000000A
	DetectionAcquire            = 0x7000000B
	DetectionPointDetectorName  = 0x7000000C
	DetectionAmplifierName      = 0x7000000D
	DetectionPinholeName        = 0x7000000E
	DetectionFilterSetName      = 0x7000000F
	DetectionFilterName         = 0x70000010
	DetectionIntegratorName     = 0x70000013
	DetectionChannelName        = 0x70000014
	IlluminationName            = 0x90000001
	IlluminationPower           = 0x90000002
	IlluminationWavelength      = 0x90000003
	IlluminationAcquire         = 0x90000004
	IlluminationDetChannelName  = 0x90000005
	BeamSplitterFilterSet       = 0xB0000001
	BeamSplitterFilter          = 0xB0000002
	BeamSplitterName            = 0xB0000003
	DataChannelName             = 0xD0000001
	DataChannelAcquire          = 0xD0000003
	DataChannelColor            = 0xD0000004
	DataChannelSampleType       = 0xD0000005
	DataChannelBitsPerSample    = 0xD0000006
	DataChannelRatioType        = 0xD0000007
	TimerName                   = 0x12000001
	TimerDescription            = 0x12000002
	TimerInterval               = 0x12000003
	TimerTriggerIn              = 0x12000004
	TimerTriggerOut             = 0x12000005
	TimerActivationTime         = 0x12000006
	TimerActivationNumber       = 0x12000007
	MarkerName                  = 0x14000001
	MarkerDescription           = 0x14000002
	MarkerTriggerIn             = 0x14000003
	MarkerTriggerOut            = 0x14000004
)

var knownContainers = map[uint32]bool{
	SubblockRecording:            true,
	SubblockTracks:               true,
	SubblockLasers:               true,
	SubblockTrack:                true,
	SubblockLaser:                true,
	SubblockDetectionChannels:    true,
	SubblockDetectionChannel:     true,
	SubblockIlluminationChannels: true,
	SubblockIlluminationChannel:  true,
	SubblockBeamSplitters:        true,
	SubblockBeamSplitter:         true,
	SubblockDataChannels:         true,
	SubblockDataChannel:          true,
	SubblockTimers:               true,
	SubblockTimer:                true,
	SubblockMarkers:              true,
	SubblockMarker:               true,
}

// knownLeaf reports whether a leaf code belongs to the entry set of its container.
// Entry codes share the top byte of their container's code.
func knownLeaf(parent, code uint32) bool {
	if parent == 0 || !knownContainers[parent] {
		return false
	}
	return code&0xFF000000 == parent&0xFF000000 && code&0x00FFFFFF != 0
}

// Block is one node of the scan information tree: a leaf carrying a typed value,
// or a container holding ordered children.
type Block struct {
	Code     uint32
	Type     uint32
	Known    bool
	Offset   int64
	Children []*Block

	Text  string
	Int   int32
	Float float64
	Raw   []byte
}

// IsContainer reports whether the block opened a sub-block level.
func (b *Block) IsContainer() bool {
	return b.Type == EntrySubblock
}

// Find returns the first direct child with code, or nil.
func (b *Block) Find(code uint32) *Block {
	for _, c := range b.Children {
		if c.Code == code {
			return c
		}
	}
	return nil
}

// All returns every direct child with code.
func (b *Block) All(code uint32) []*Block {
	var out []*Block
	for _, c := range b.Children {
		if c.Code == code {
			out = append(out, c)
		}
	}
	return out
}

// Walk visits b and its descendants depth-first. Returning false skips a subtree.
func (b *Block) Walk(fn func(depth int, blk *Block) bool) {
	type frame struct {
		blk   *Block
		depth int
	}
	stack := []frame{{b, 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(f.depth, f.blk) {
			continue
		}
		for i := len(f.blk.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{f.blk.Children[i], f.depth + 1})
		}
	}
}

// scanWalker reads the scan information stream. The tree is built with an
// explicit stack, never by recursion, and each read is checked against the bytes
// that remain in the source.
type scanWalker struct {
	src      *byteSource
	order    binary.ByteOrder
	maxDepth int
	warn     func(error)
}

// walk parses the stream at offset. On error it returns the tree built so far
// together with the error, so callers keep every block that parsed cleanly.
func (w *scanWalker) walk(offset int64) (*Block, error) {
	maxDepth := w.maxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxMetadataDepth
	}
	warn := w.warn
	if warn == nil {
		warn = func(error) {}
	}

	root := &Block{Code: 0, Type: EntrySubblock, Known: true, Offset: offset}
	stack := []*Block{root}
	pos := offset
	// Sub-block entries carry no usable size, so the end of data is the budget.
	end := w.src.size

	for entries := 0; ; entries++ {
		if entries >= maxScanInformationEntries {
			return root, fmt.Errorf("%w: more than %d entries", ErrTruncatedMetadata, maxScanInformationEntries)
		}
		if end-pos < scanEntryHeaderSize {
			return root, fmt.Errorf("%w: entry header at %d crosses end of data with %d open blocks",
				ErrTruncatedMetadata, pos, len(stack)-1)
		}
		head, err := w.src.bytes(pos, scanEntryHeaderSize)
		if err != nil {
			return root, fmt.Errorf("%w: %v", ErrTruncatedMetadata, err)
		}
		code := w.order.Uint32(head[0:4])
		typ := w.order.Uint32(head[4:8])
		size := int64(w.order.Uint32(head[8:12]))
		entryPos := pos
		pos += scanEntryHeaderSize

		if size > end-pos {
			return root, fmt.Errorf("%w: entry 0x%08x at %d declares %d bytes, %d remain",
				ErrTruncatedMetadata, code, entryPos, size, end-pos)
		}

		parent := stack[len(stack)-1]

		if code == SubblockEnd {
			pos += size
			if len(stack) == 1 {
				return root, fmt.Errorf("%w: end of block at %d without open block", ErrTruncatedMetadata, entryPos)
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 1 {
				// The outermost sub-block is closed.
				return root, nil
			}
			continue
		}

		blk := &Block{Code: code, Type: typ, Offset: entryPos}

		if typ == EntrySubblock {
			blk.Known = knownContainers[code]
			if !blk.Known {
				warn(fmt.Errorf("%w: container 0x%08x at %d", ErrUnknownBlockType, code, entryPos))
			}
			if len(stack) > maxDepth {
				return root, fmt.Errorf("%w: block 0x%08x at %d nests deeper than %d levels",
					ErrTruncatedMetadata, code, entryPos, maxDepth)
			}
			pos += size
			parent.Children = append(parent.Children, blk)
			stack = append(stack, blk)
			continue
		}

		data, err := w.src.bytes(pos, size)
		if err != nil {
			return root, fmt.Errorf("%w: %v", ErrTruncatedMetadata, err)
		}
		pos += size

		blk.Known = knownLeaf(parent.Code, code)
		switch typ {
		case EntryASCII:
			if len(data) > maxScanInformationStringBytes {
				data = data[:maxScanInformationStringBytes]
			}
			blk.Text = decodeText(data)
		case EntryLong:
			if len(data) >= 4 {
				blk.Int = int32(w.order.Uint32(data))
				blk.Float = float64(blk.Int)
			}
		case EntryRational:
			if len(data) >= 8 {
				blk.Float = math.Float64frombits(w.order.Uint64(data))
			}
		default:
			blk.Raw = data
			blk.Known = false
			warn(fmt.Errorf("%w: entry 0x%08x at %d has value type %d, skipped %d bytes",
				ErrUnknownBlockType, code, entryPos, typ, size))
			parent.Children = append(parent.Children, blk)
			continue
		}
		if !blk.Known {
			warn(fmt.Errorf("%w: entry 0x%08x at %d in block 0x%08x", ErrUnknownBlockType, code, entryPos, parent.Code))
		}
		parent.Children = append(parent.Children, blk)
	}
}
