package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/tingold/golsm"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// planeSuffix returns the file suffix for planes written with codec.
func planeSuffix(codec string) (string, error) {
	switch codec {
	case "", "none":
		return ".raw", nil
	case "zstd":
		return ".raw.zst", nil
	case "lz4":
		return ".raw.lz4", nil
	default:
		return "", fmt.Errorf("unknown compression %q", codec)
	}
}

// newPlaneWriter wraps w with the named codec.
func newPlaneWriter(w io.Writer, codec string) (io.WriteCloser, error) {
	switch codec {
	case "", "none":
		return nopWriteCloser{w}, nil
	case "zstd":
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("zstd encode: %w", err)
		}
		return enc, nil
	case "lz4":
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", codec)
	}
}

// extractPlanes decodes every plane, one timepoint at a time, and writes each to
// dir as c<c>_t<t>_z<z> in native byte order.
func extractPlanes(f *golsm.File, dir, codec string, workers int) (int, error) {
	suffix, err := planeSuffix(codec)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	d := f.Dimensions()
	written := 0
	for t := 0; t < d.T; t++ {
		reqs := make([]*golsm.PlaneRequest, 0, d.C*d.Z)
		for c := 0; c < d.C; c++ {
			for z := 0; z < d.Z; z++ {
				reqs = append(reqs, &golsm.PlaneRequest{Channel: c, Timepoint: t, Z: z})
			}
		}
		if err := f.ReadPlanes(context.Background(), reqs, workers); err != nil {
			return written, err
		}
		for _, req := range reqs {
			if err := writePlane(dir, codec, suffix, req); err != nil {
				return written, err
			}
			written++
		}
	}
	return written, nil
}

func writePlane(dir, codec, suffix string, req *golsm.PlaneRequest) error {
	name := fmt.Sprintf("c%d_t%d_z%d", req.Channel, req.Timepoint, req.Z)

	file, err := os.Create(filepath.Join(dir, name+suffix))
	if err != nil {
		return err
	}
	w, err := newPlaneWriter(file, codec)
	if err != nil {
		file.Close()
		return err
	}
	if _, err := w.Write(req.Buf); err != nil {
		w.Close()
		file.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush %s: %w", name, err)
	}
	return file.Close()
}
