package golsm

import (
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const defaultMaxDirectories = 1 << 20

// Option configures how a container is opened.
type Option func(*config)

type config struct {
	logger           zerolog.Logger
	maxMetadataDepth int
	maxDirectories   int
	httpClient       *fasthttp.Client
	readAheadSize    int
}

func newConfig(opts []Option) *config {
	cfg := &config{
		logger:           zerolog.Nop(),
		maxMetadataDepth: defaultMaxMetadataDepth,
		maxDirectories:   defaultMaxDirectories,
		readAheadSize:    defaultReadAheadSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithLogger sets the logger for open and decode events. Nothing is logged by default.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMaxMetadataDepth limits how deeply scan information blocks may nest.
func WithMaxMetadataDepth(depth int) Option {
	return func(c *config) {
		if depth > 0 {
			c.maxMetadataDepth = depth
		}
	}
}

// WithMaxDirectories limits the length of the directory chain.
func WithMaxDirectories(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxDirectories = n
		}
	}
}

// WithHTTPClient sets the client used for http(s) sources.
func WithHTTPClient(client *fasthttp.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithReadAheadSize sets the read-ahead window of http(s) sources.
func WithReadAheadSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.readAheadSize = size
		}
	}
}
