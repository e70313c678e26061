package golsm

import (
	"io"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/exp/mmap"
)

// source is the positioned-read view a File owns.
type source struct {
	r      io.ReaderAt
	size   int64
	closer io.Closer
}

func isURL(pathOrURL string) bool {
	return strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://")
}

// openSource maps a local file into memory, or opens a range reader for an
// http(s) URL.
func openSource(pathOrURL string, cfg *config) (*source, error) {
	if isURL(pathOrURL) {
		client := cfg.httpClient
		if client == nil {
			client = &fasthttp.Client{
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
		}
		rr, err := NewHTTPRangeReader(pathOrURL, client, cfg.readAheadSize)
		if err != nil {
			return nil, err
		}
		return &source{r: rr, size: rr.Size()}, nil
	}

	m, err := mmap.Open(pathOrURL)
	if err != nil {
		return nil, err
	}
	return &source{r: m, size: int64(m.Len()), closer: m}, nil
}
