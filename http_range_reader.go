package golsm

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/valyala/fasthttp"
)

// Default read-ahead window (64KB). Directory and metadata parsing issue many
// small reads close together, which one window usually covers.
const defaultReadAheadSize = 64 * 1024

// HTTPRangeReader implements io.ReaderAt over HTTP range requests. It keeps one
// read-ahead window; the mutex only guards that window, so concurrent ReadAt
// calls fetch in parallel.
type HTTPRangeReader struct {
	url    string
	client *fasthttp.Client
	size   int64

	mu            sync.Mutex
	buffer        []byte
	bufferStart   int64 // Start position of buffer in file
	readAheadSize int
}

// NewHTTPRangeReader creates a range reader and resolves the remote size.
func NewHTTPRangeReader(url string, client *fasthttp.Client, readAheadSize int) (*HTTPRangeReader, error) {
	if client == nil {
		return nil, fmt.Errorf("nil http client")
	}
	if readAheadSize <= 0 {
		readAheadSize = defaultReadAheadSize
	}
	rr := &HTTPRangeReader{
		url:           url,
		client:        client,
		readAheadSize: readAheadSize,
		bufferStart:   -1,
	}
	size, err := rr.getSize()
	if err != nil {
		return nil, err
	}
	rr.size = size
	return rr, nil
}

// getSize asks for the length with HEAD, falling back to the total reported in
// the Content-Range of a one-byte GET.
func (rr *HTTPRangeReader) getSize() (int64, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodHead)
	if err := rr.client.Do(req, resp); err != nil {
		return 0, fmt.Errorf("failed to HEAD %s: %w", rr.url, err)
	}
	if resp.StatusCode() == fasthttp.StatusOK && resp.Header.ContentLength() > 0 {
		return int64(resp.Header.ContentLength()), nil
	}

	req.Reset()
	resp.Reset()
	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Range", "bytes=0-0")
	if err := rr.client.Do(req, resp); err != nil {
		return 0, fmt.Errorf("failed to probe %s: %w", rr.url, err)
	}
	if resp.StatusCode() == fasthttp.StatusOK {
		return int64(len(resp.Body())), nil
	}
	cr := resp.Header.Peek("Content-Range")
	if i := bytes.LastIndexByte(cr, '/'); i >= 0 {
		if n, err := strconv.ParseInt(string(cr[i+1:]), 10, 64); err == nil && n > 0 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("unable to determine size of %s (status %d)", rr.url, resp.StatusCode())
}

// ReadAt reads len(p) bytes at off, serving from the read-ahead window when possible.
func (rr *HTTPRangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}
	if off >= rr.size {
		return 0, io.EOF
	}
	want := len(p)
	if rem := rr.size - off; int64(want) > rem {
		want = int(rem)
	}

	rr.mu.Lock()
	if rr.buffer != nil && off >= rr.bufferStart && off+int64(want) <= rr.bufferStart+int64(len(rr.buffer)) {
		n := copy(p[:want], rr.buffer[off-rr.bufferStart:])
		rr.mu.Unlock()
		return n, eofIfShort(n, len(p))
	}
	readSize := rr.readAheadSize
	rr.mu.Unlock()

	if readSize < want {
		readSize = want
	}
	if rem := rr.size - off; int64(readSize) > rem {
		readSize = int(rem)
	}

	data, err := rr.fetchRange(off, off+int64(readSize)-1)
	if err != nil {
		return 0, err
	}
	n := copy(p[:want], data)

	if len(data) > want {
		rr.mu.Lock()
		rr.buffer = data
		rr.bufferStart = off
		rr.mu.Unlock()
	}
	if n < want {
		return n, io.ErrUnexpectedEOF
	}
	return n, eofIfShort(n, len(p))
}

func eofIfShort(n, want int) error {
	if n < want {
		return io.EOF
	}
	return nil
}

// fetchRange fetches the inclusive byte range [start, end].
func (rr *HTTPRangeReader) fetchRange(start, end int64) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	if err := rr.client.Do(req, resp); err != nil {
		return nil, err
	}

	body := resp.Body()
	switch resp.StatusCode() {
	case fasthttp.StatusPartialContent:
	case fasthttp.StatusOK:
		// Server ignored the range and sent the whole file.
		if int64(len(body)) <= start {
			return nil, io.ErrUnexpectedEOF
		}
		body = body[start:min(int64(len(body)), end+1)]
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}

	// Copy body since response will be released
	result := make([]byte, len(body))
	copy(result, body)
	return result, nil
}

// ClearBuffer drops the read-ahead window.
func (rr *HTTPRangeReader) ClearBuffer() {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.buffer = nil
	rr.bufferStart = -1
}

// Size returns the remote file size.
func (rr *HTTPRangeReader) Size() int64 {
	return rr.size
}
