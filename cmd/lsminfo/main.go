// Command lsminfo prints the metadata of an LSM container and optionally
// extracts its planes as raw sample files.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/tingold/golsm"
)

type config struct {
	Input    string
	Extract  string
	Compress string
	Workers  int
	Verbose  bool
}

func main() {
	cfg := parseFlags()

	if cfg.Input == "" {
		flag.Usage()
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	if err := run(cfg, logger, os.Stdout); err != nil {
		logger.Error().Err(err).Msg("lsminfo failed")
		os.Exit(1)
	}
}

func parseFlags() *config {
	cfg := &config{}

	flag.StringVar(&cfg.Extract, "extract", "", "write every plane to this directory")
	flag.StringVar(&cfg.Compress, "compress", "none", "plane file compression: none, zstd, lz4")
	flag.IntVar(&cfg.Workers, "workers", 0, "concurrent plane decoders (0 = one per CPU)")
	flag.BoolVar(&cfg.Verbose, "v", false, "debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: lsminfo [options] <file.lsm | http(s)://...>\n\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() > 0 {
		cfg.Input = flag.Arg(0)
	}
	return cfg
}

func run(cfg *config, logger zerolog.Logger, out io.Writer) error {
	f, err := golsm.Open(cfg.Input, golsm.WithLogger(logger))
	if err != nil {
		return err
	}
	defer f.Close()

	printInfo(out, f)

	if cfg.Extract == "" {
		return nil
	}
	start := time.Now()
	n, err := extractPlanes(f, cfg.Extract, cfg.Compress, cfg.Workers)
	if err != nil {
		return err
	}
	logger.Info().Int("planes", n).Str("dir", cfg.Extract).Dur("took", time.Since(start)).Msg("extracted")
	return nil
}

func printInfo(w io.Writer, f *golsm.File) {
	d := f.Dimensions()
	fmt.Fprintf(w, "dimensions: x=%d y=%d z=%d t=%d c=%d\n", d.X, d.Y, d.Z, d.T, d.C)
	fmt.Fprintf(w, "layout:     %s (%d directories)\n", f.Layout(), len(f.Directories()))

	vs := f.VoxelSize()
	fmt.Fprintf(w, "voxel size: %.4g x %.4g x %.4g um\n", vs[0]*1e6, vs[1]*1e6, vs[2]*1e6)
	if b := f.PlaneBounds(); !b.IsEmpty() && b.Max != b.Min {
		fmt.Fprintf(w, "plane:      (%.4g, %.4g) - (%.4g, %.4g) um\n",
			b.Min[0]*1e6, b.Min[1]*1e6, b.Max[0]*1e6, b.Max[1]*1e6)
	}

	for _, c := range f.Channels() {
		fmt.Fprintf(w, "channel %d:  %-12q #%02x%02x%02x %s\n", c.Index, c.Name, c.Color.R, c.Color.G, c.Color.B, c.SampleType)
	}

	if ts, err := f.Timestamp(d.T - 1); err == nil {
		first, _ := f.Timestamp(0)
		fmt.Fprintf(w, "time:       %d points over %.3f s\n", d.T, ts-first)
	}

	if rec := f.Recording(); rec != nil {
		if rec.Name != "" {
			fmt.Fprintf(w, "recording:  %s\n", rec.Name)
		}
		if rec.Objective != "" {
			fmt.Fprintf(w, "objective:  %s\n", rec.Objective)
		}
		if rec.ZoomX != 0 {
			fmt.Fprintf(w, "zoom:       %.3g x %.3g x %.3g\n", rec.ZoomX, rec.ZoomY, rec.ZoomZ)
		}
		for _, t := range rec.Tracks {
			fmt.Fprintf(w, "track:      %s (%d detection, %d illumination channels)\n",
				t.Name, len(t.DetectionChannels), len(t.IlluminationChannels))
			for _, il := range t.IlluminationChannels {
				fmt.Fprintf(w, "  laser:    %s %.1f nm\n", il.Name, il.Wavelength)
			}
		}
	}

	if err := f.Warnings(); err != nil {
		fmt.Fprintf(w, "warnings:   %v\n", err)
	}
}
