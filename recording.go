package golsm

// Recording is the typed view over the scan information tree. Fields that the
// file did not record keep their zero value.
type Recording struct {
	Name              string
	Description       string
	Notes             string
	Objective         string
	ProcessingSummary string
	SpecialScanMode   string
	ScanMode          string
	ScanType          int32
	NumberOfStacks    int32
	LinesPerPlane     int32
	SamplesPerLine    int32
	PlanesPerVolume   int32
	ImagesWidth       int32
	ImagesHeight      int32
	ImagesPlanes      int32
	ImagesStacks      int32
	ImagesChannels    int32
	ScanDirection     int32
	TimeSeries        bool
	ZoomX             float64
	ZoomY             float64
	ZoomZ             float64
	Sample0X          float64
	Sample0Y          float64
	Sample0Z          float64
	SampleSpacing     float64
	LineSpacing       float64
	PlaneSpacing      float64
	Nutation          float64
	Rotation          float64
	Precession        float64
	Sample0Time       float64

	Tracks        []Track
	Lasers        []Laser
	Timers        []Timer
	Markers       []Marker
	UnknownBlocks int
}

// Track is one acquisition configuration.
type Track struct {
	Name                  string
	Acquire               bool
	TimeBetweenStacks     float64
	DetectionChannels     []DetectionChannel
	IlluminationChannels  []IlluminationChannel
	BeamSplitters         []BeamSplitter
	DataChannels          []DataChannel
	SampleObservationTime float64
}

type Laser struct {
	Name    string
	Acquire bool
	Power   float64
}

type DetectionChannel struct {
	Name             string
	IntegrationMode  int32
	DetectorGain     float64
	AmplifierGain    float64
	AmplifierOffset  float64
	PinholeDiameter  float64
	Acquire          bool
	FilterSetName    string
	FilterName       string
	PointDetectorTag string
}

type IlluminationChannel struct {
	Name       string
	Power      float64
	Wavelength float64
	Acquire    bool
}

type BeamSplitter struct {
	Name      string
	FilterSet string
	Filter    string
}

type DataChannel struct {
	Name          string
	Acquire       bool
	Color         int32
	SampleType    int32
	BitsPerSample int32
}

type Timer struct {
	Name        string
	Description string
	Interval    float64
}

type Marker struct {
	Name        string
	Description string
}

// newRecording projects the block tree onto the typed view.
func newRecording(root *Block) *Recording {
	rec := &Recording{}
	if root == nil {
		return rec
	}
	root.Walk(func(_ int, b *Block) bool {
		if !b.Known {
			rec.UnknownBlocks++
		}
		return true
	})

	r := root.Find(SubblockRecording)
	if r == nil {
		return rec
	}
	for _, e := range r.Children {
		switch e.Code {
		case RecordingName:
			rec.Name = e.Text
		case RecordingDescription:
			rec.Description = e.Text
		case RecordingNotes:
			rec.Notes = e.Text
		case RecordingObjective:
			rec.Objective = e.Text
		case RecordingProcessingSummary:
			rec.ProcessingSummary = e.Text
		case RecordingSpecialScanMode:
			rec.SpecialScanMode = e.Text
		case RecordingScanType:
			rec.ScanType = e.Int
		case RecordingScanMode:
			rec.ScanMode = e.Text
		case RecordingNumberOfStacks:
			rec.NumberOfStacks = e.Int
		case RecordingLinesPerPlane:
			rec.LinesPerPlane = e.Int
		case RecordingSamplesPerLine:
			rec.SamplesPerLine = e.Int
		case RecordingPlanesPerVolume:
			rec.PlanesPerVolume = e.Int
		case RecordingImagesWidth:
			rec.ImagesWidth = e.Int
		case RecordingImagesHeight:
			rec.ImagesHeight = e.Int
		case RecordingImagesPlanes:
			rec.ImagesPlanes = e.Int
		case RecordingImagesStacks:
			rec.ImagesStacks = e.Int
		case RecordingImagesChannels:
			rec.ImagesChannels = e.Int
		case RecordingScanDirection:
			rec.ScanDirection = e.Int
		case RecordingTimeSeries:
			rec.TimeSeries = e.Int != 0
		case RecordingZoomX:
			rec.ZoomX = e.Float
		case RecordingZoomY:
			rec.ZoomY = e.Float
		case RecordingZoomZ:
			rec.ZoomZ = e.Float
		case RecordingSample0X:
			rec.Sample0X = e.Float
		case RecordingSample0Y:
			rec.Sample0Y = e.Float
		case RecordingSample0Z:
			rec.Sample0Z = e.Float
		case RecordingSampleSpacing:
			rec.SampleSpacing = e.Float
		case RecordingLineSpacing:
			rec.LineSpacing = e.Float
		case RecordingPlaneSpacing:
			rec.PlaneSpacing = e.Float
		case RecordingNutation:
			rec.Nutation = e.Float
		case RecordingRotation:
			rec.Rotation = e.Float
		case RecordingPrecession:
			rec.Precession = e.Float
		case RecordingSample0Time:
			rec.Sample0Time = e.Float
		case SubblockTracks:
			for _, t := range e.All(SubblockTrack) {
				rec.Tracks = append(rec.Tracks, newTrack(t))
			}
		case SubblockLasers:
			for _, l := range e.All(SubblockLaser) {
				rec.Lasers = append(rec.Lasers, Laser{
					Name:    blockText(l, LaserName),
					Acquire: blockInt(l, LaserAcquire) != 0,
					Power:   blockFloat(l, LaserPower),
				})
			}
		case SubblockTimers:
			for _, t := range e.All(SubblockTimer) {
				rec.Timers = append(rec.Timers, Timer{
					Name:        blockText(t, TimerName),
					Description: blockText(t, TimerDescription),
					Interval:    blockFloat(t, TimerInterval),
				})
			}
		case SubblockMarkers:
			for _, m := range e.All(SubblockMarker) {
				rec.Markers = append(rec.Markers, Marker{
					Name:        blockText(m, MarkerName),
					Description: blockText(m, MarkerDescription),
				})
			}
		}
	}
	return rec
}

func newTrack(b *Block) Track {
	t := Track{
		Name:                  blockText(b, TrackName),
		Acquire:               blockInt(b, TrackAcquire) != 0,
		TimeBetweenStacks:     blockFloat(b, TrackTimeBetweenStacks),
		SampleObservationTime: blockFloat(b, TrackSampleObservationTime),
	}
	for _, group := range b.Children {
		switch group.Code {
		case SubblockDetectionChannels:
			for _, d := range group.All(SubblockDetectionChannel) {
				t.DetectionChannels = append(t.DetectionChannels, DetectionChannel{
					Name:             blockText(d, DetectionChannelName),
					IntegrationMode:  blockInt(d, DetectionIntegrationMode),
					DetectorGain:     blockFloat(d, DetectionDetectorGainFirst),
					AmplifierGain:    blockFloat(d, DetectionAmplifierGainFirst),
					AmplifierOffset:  blockFloat(d, DetectionAmplifierOffsFirst),
					PinholeDiameter:  blockFloat(d, DetectionPinholeDiameter),
					Acquire:          blockInt(d, DetectionAcquire) != 0,
					FilterSetName:    blockText(d, DetectionFilterSetName),
					FilterName:       blockText(d, DetectionFilterName),
					PointDetectorTag: blockText(d, DetectionPointDetectorName),
				})
			}
		case SubblockIlluminationChannels:
			for _, il := range group.All(SubblockIlluminationChannel) {
				t.IlluminationChannels = append(t.IlluminationChannels, IlluminationChannel{
					Name:       blockText(il, IlluminationName),
					Power:      blockFloat(il, IlluminationPower),
					Wavelength: blockFloat(il, IlluminationWavelength),
					Acquire:    blockInt(il, IlluminationAcquire) != 0,
				})
			}
		case SubblockBeamSplitters:
			for _, bs := range group.All(SubblockBeamSplitter) {
				t.BeamSplitters = append(t.BeamSplitters, BeamSplitter{
					Name:      blockText(bs, BeamSplitterName),
					FilterSet: blockText(bs, BeamSplitterFilterSet),
					Filter:    blockText(bs, BeamSplitterFilter),
				})
			}
		case SubblockDataChannels:
			for _, dc := range group.All(SubblockDataChannel) {
				t.DataChannels = append(t.DataChannels, DataChannel{
					Name:          blockText(dc, DataChannelName),
					Acquire:       blockInt(dc, DataChannelAcquire) != 0,
					Color:         blockInt(dc, DataChannelColor),
					SampleType:    blockInt(dc, DataChannelSampleType),
					BitsPerSample: blockInt(dc, DataChannelBitsPerSample),
				})
			}
		}
	}
	return t
}

func blockText(b *Block, code uint32) string {
	if e := b.Find(code); e != nil {
		return e.Text
	}
	return ""
}

func blockInt(b *Block, code uint32) int32 {
	if e := b.Find(code); e != nil {
		return e.Int
	}
	return 0
}

func blockFloat(b *Block, code uint32) float64 {
	if e := b.Find(code); e != nil {
		return e.Float
	}
	return 0
}

// applyChannelNames fills channel names the colors block left empty, taking the
// data channel names of every track in order.
func (r *Recording) applyChannelNames(channels []Channel) {
	if r == nil {
		return
	}
	var names []string
	for _, t := range r.Tracks {
		for _, dc := range t.DataChannels {
			names = append(names, dc.Name)
		}
	}
	for i := range channels {
		if channels[i].Name == "" && i < len(names) {
			channels[i].Name = names[i]
		}
	}
}
