package golsm

import (
	"errors"
	"fmt"
)

// Error kinds reported by the decoder. Use errors.Is to classify a returned error.
var (
	ErrOpen               = errors.New("lsm: open failed")
	ErrMalformedDirectory = errors.New("lsm: malformed image directory")
	ErrTruncatedMetadata  = errors.New("lsm: truncated metadata")
	ErrUnknownBlockType   = errors.New("lsm: unknown metadata block")
	ErrCorruptLZWStream   = errors.New("lsm: corrupt LZW stream")
	ErrSliceOutOfRange    = errors.New("lsm: slice out of range")
	ErrDecodeFailure      = errors.New("lsm: decode failure")
	ErrNotAvailable       = errors.New("lsm: not available")
	ErrClosed             = errors.New("lsm: file is closed")
	ErrFormat             = errors.New("lsm: unsupported plane format")
)

// Open stages
const (
	StageSource    = "source"
	StageHeader    = "header"
	StageDirectory = "directory"
	StageMetadata  = "metadata"
	StageIndex     = "index"
)

// OpenError reports which stage of opening a container failed.
// It matches ErrOpen as well as the underlying cause.
type OpenError struct {
	Stage string
	Path  string
	Err   error
}

func (e *OpenError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("lsm: open %s: %s: %v", e.Path, e.Stage, e.Err)
	}
	return fmt.Sprintf("lsm: open: %s: %v", e.Stage, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// PlaneError identifies the plane and the strip/row at which decoding broke.
// Rows before Row have already been written to the output buffer.
type PlaneError struct {
	Channel   int
	Timepoint int
	Z         int
	Strip     int
	Row       int
	Err       error
}

func (e *PlaneError) Error() string {
	return fmt.Sprintf("lsm: plane c=%d t=%d z=%d: strip %d (row %d): %v",
		e.Channel, e.Timepoint, e.Z, e.Strip, e.Row, e.Err)
}

func (e *PlaneError) Unwrap() error { return e.Err }

// Is reports every plane error as a decode failure in addition to its cause.
func (e *PlaneError) Is(target error) bool { return target == ErrDecodeFailure }

// boundsError is returned by the field reader when a read would leave the source.
type boundsError struct {
	off  int64
	n    int64
	size int64
}

func (e *boundsError) Error() string {
	return fmt.Sprintf("read of %d bytes at offset %d exceeds source size %d", e.n, e.off, e.size)
}
