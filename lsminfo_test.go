package golsm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image/color"
	"testing"
)

func walkMetadata(t *testing.T, fx *lsmFixture, order binary.ByteOrder) (*metadata, error) {
	t.Helper()
	w := &metadataWalker{
		src:   &byteSource{r: bytes.NewReader(fx.data), size: int64(len(fx.data))},
		order: order,
	}
	return w.walk(fx.infoOffset, 224)
}

func TestMetadataWalker(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		lsm := defaultLSM()
		lsm.order = order
		lsm.bits = 16
		lsm.dataTypes = []uint32{uint32(SampleUint12), uint32(SampleUint12)}
		lsm.scanInfo = sampleScanInfo(order)

		md, err := walkMetadata(t, buildLSM(t, lsm), order)
		if err != nil {
			t.Fatalf("Failed to walk metadata: %v", err)
		}
		if md.warnings != nil {
			t.Errorf("Expected no warnings, got %v", md.warnings)
		}

		want := Dimensions{X: 6, Y: 4, Z: 1, T: 2, C: 2}
		if md.dims != want {
			t.Errorf("Expected dimensions %+v, got %+v", want, md.dims)
		}
		if md.info.Magic != lsmMagic15 {
			t.Errorf("Expected magic 0x%08x, got 0x%08x", lsmMagic15, md.info.Magic)
		}
		if md.info.VoxelSize[2] != 1e-6 || md.info.Origin[1] != 20e-6 {
			t.Errorf("Expected voxel z 1e-6 and origin y 20e-6, got %g and %g", md.info.VoxelSize[2], md.info.Origin[1])
		}
		if md.info.ScanType != ScanTypeTimeSeriesXY {
			t.Errorf("Expected scan type %d, got %d", ScanTypeTimeSeriesXY, md.info.ScanType)
		}

		if len(md.channels) != 2 {
			t.Fatalf("Expected 2 channels, got %d", len(md.channels))
		}
		if md.channels[0].Name != "Ch1-T1" || md.channels[1].Name != "Ch2-T2" {
			t.Errorf("Expected names Ch1-T1 and Ch2-T2, got %q and %q", md.channels[0].Name, md.channels[1].Name)
		}
		if md.channels[1].Color != (color.RGBA{R: 255, A: 255}) {
			t.Errorf("Expected channel 1 red, got %+v", md.channels[1].Color)
		}
		if md.channels[0].SampleType != SampleUint12 {
			t.Errorf("Expected uint12 samples, got %s", md.channels[0].SampleType)
		}

		if !md.stamped || len(md.timestamps) != 2 || md.timestamps[1] != 1.5 {
			t.Errorf("Expected time stamps [0 1.5], got %v (stamped=%v)", md.timestamps, md.stamped)
		}
		if md.recording == nil || md.recording.Name != "Experiment" {
			t.Errorf("Expected recording Experiment, got %+v", md.recording)
		}
	}
}

func TestMetadataWalkerNamesFromRecording(t *testing.T) {
	lsm := defaultLSM()
	lsm.names = nil
	lsm.scanInfo = sampleScanInfo(lsm.order)

	md, err := walkMetadata(t, buildLSM(t, lsm), lsm.order)
	if err != nil {
		t.Fatalf("Failed to walk metadata: %v", err)
	}
	if md.channels[0].Name != "GFP" || md.channels[1].Name != "mCherry" {
		t.Errorf("Expected names from data channels, got %q and %q", md.channels[0].Name, md.channels[1].Name)
	}
}

func TestMetadataWalkerTruncatedInfo(t *testing.T) {
	fx := buildLSM(t, defaultLSM())
	w := &metadataWalker{
		src:   &byteSource{r: bytes.NewReader(fx.data), size: fx.infoOffset + 100},
		order: binary.LittleEndian,
	}
	if _, err := w.walk(fx.infoOffset, 224); !errors.Is(err, ErrTruncatedMetadata) {
		t.Errorf("Expected ErrTruncatedMetadata, got %v", err)
	}
}

func TestMetadataWalkerBadBlocks(t *testing.T) {
	lsm := defaultLSM()
	fx := buildLSM(t, lsm)

	// Point the colors and time stamp blocks past the end of the file.
	binary.LittleEndian.PutUint32(fx.data[fx.infoOffset+lsmOffChannelColors:], uint32(len(fx.data)+64))
	binary.LittleEndian.PutUint32(fx.data[fx.infoOffset+lsmOffTimeStamps:], uint32(len(fx.data)-4))

	md, err := walkMetadata(t, fx, lsm.order)
	if err != nil {
		t.Fatalf("Failed to walk metadata: %v", err)
	}
	if md.warnings == nil || len(md.warnings.Errors) != 2 {
		t.Fatalf("Expected warnings for colors and time stamps, got %v", md.warnings)
	}
	if !errors.Is(md.warnings, ErrTruncatedMetadata) {
		t.Errorf("Expected a truncated metadata warning, got %v", md.warnings)
	}
	if md.channels[0].Name != "" {
		t.Errorf("Expected no channel names, got %q", md.channels[0].Name)
	}
	if md.stamped {
		t.Errorf("Expected no timing, got %v", md.timestamps)
	}
	if md.dims.C != 2 || md.dims.T != 2 {
		t.Errorf("Expected dimensions to survive, got %+v", md.dims)
	}
}

func TestMetadataWalkerTimestampCount(t *testing.T) {
	tests := []struct {
		name  string
		size  uint32
		count uint32
	}{
		{"unsized block", 0, 0x7FFFFFFF},
		{"sized block", 1 << 30, 1<<27 - 1},
		{"one past the end", 0, 3},
		{"negative", 0, 0xFFFFFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lsm := defaultLSM()
			fx := buildLSM(t, lsm)
			// A 16 byte block at the very end of the file: header and one stamp.
			off := len(fx.data)
			fx.data = append(fx.data, make([]byte, 16)...)
			binary.LittleEndian.PutUint32(fx.data[fx.infoOffset+lsmOffTimeStamps:], uint32(off))
			binary.LittleEndian.PutUint32(fx.data[off:], tt.size)
			binary.LittleEndian.PutUint32(fx.data[off+4:], tt.count)

			md, err := walkMetadata(t, fx, lsm.order)
			if err != nil {
				t.Fatalf("Failed to walk metadata: %v", err)
			}
			if !errors.Is(md.warnings, ErrTruncatedMetadata) {
				t.Errorf("Expected a truncated metadata warning, got %v", md.warnings)
			}
			if len(md.timestamps) > lsm.t {
				t.Errorf("Expected at most %d time stamps, got %d", lsm.t, len(md.timestamps))
			}
		})
	}
}

func TestParseChannelNames(t *testing.T) {
	order := binary.LittleEndian

	var prefixed bytes.Buffer
	for _, n := range []string{"DAPI", "Alexa 488"} {
		binary.Write(&prefixed, order, uint32(len(n)+1))
		prefixed.WriteString(n)
		prefixed.WriteByte(0)
	}

	tests := []struct {
		name string
		data []byte
		want []string
	}{
		{"length prefixed", prefixed.Bytes(), []string{"DAPI", "Alexa 488"}},
		{"misaligned prefix", []byte("\x05\x00\x00\x00Ch1\x00\x06\x00\x00\x00Ch2\x00"), []string{"Ch1", "Ch2"}},
		{"windows-1252", []byte("\x05\x00\x00\x00\xb5m-1\x00"), []string{"µm-1"}},
		{"short", []byte("\x00\x00"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseChannelNames(tt.data, 2, order)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %q, got %q", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Expected name %d to be %q, got %q", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestFillTimestamps(t *testing.T) {
	tests := []struct {
		name     string
		stamps   []float64
		n        int
		interval float64
		want     []float64
		stamped  bool
		warnings int
	}{
		{"exact", []float64{1, 2, 3}, 3, 0, []float64{1, 2, 3}, true, 0},
		{"extra", []float64{1, 2, 3, 4}, 2, 0, []float64{1, 2}, true, 1},
		{"extrapolated", []float64{0, 0.5}, 4, 9, []float64{0, 0.5, 1, 1.5}, true, 1},
		{"from interval", nil, 3, 2, []float64{0, 2, 4}, true, 0},
		{"single stamp", []float64{10}, 3, 1, []float64{10, 11, 12}, true, 1},
		{"none", nil, 3, 0, nil, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warnings := 0
			got, stamped := fillTimestamps(tt.stamps, tt.n, tt.interval, func(error) { warnings++ })
			if stamped != tt.stamped {
				t.Errorf("Expected stamped=%v, got %v", tt.stamped, stamped)
			}
			if warnings != tt.warnings {
				t.Errorf("Expected %d warnings, got %d", tt.warnings, warnings)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Expected stamp %d to be %g, got %g", i, tt.want[i], got[i])
				}
			}
		})
	}
}
