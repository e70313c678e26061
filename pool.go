package golsm

import (
	"sync"
)

// Buffer pools for strip reads. Strips of one plane are read and released row
// band by row band, so a few tiers cover every plane size.

type byteSlicePool struct {
	// Small buffers (up to 64KB) - one strip of a single-row layout
	small sync.Pool
	// Medium buffers (up to 256KB)
	medium sync.Pool
	// Large buffers (up to 1MB) - a 512x512x4 byte plane in one strip
	large sync.Pool
	// XLarge buffers (up to 4MB) - a 1024x1024x4 byte plane in one strip
	xlarge sync.Pool
}

const (
	smallBufferSize  = 64 * 1024       // 64KB
	mediumBufferSize = 256 * 1024      // 256KB
	largeBufferSize  = 1024 * 1024     // 1MB
	xlargeBufferSize = 4 * 1024 * 1024 // 4MB
)

func newTier(size int) sync.Pool {
	return sync.Pool{
		New: func() interface{} {
			buf := make([]byte, size)
			return &buf
		},
	}
}

var bufferPool = &byteSlicePool{
	small:  newTier(smallBufferSize),
	medium: newTier(mediumBufferSize),
	large:  newTier(largeBufferSize),
	xlarge: newTier(xlargeBufferSize),
}

// GetBuffer returns a byte slice of exactly size bytes, backed by a pooled array
// when one is large enough. Call PutBuffer when done.
func GetBuffer(size int) []byte {
	if size <= smallBufferSize {
		bufPtr := bufferPool.small.Get().(*[]byte)
		return (*bufPtr)[:size]
	}
	if size <= mediumBufferSize {
		bufPtr := bufferPool.medium.Get().(*[]byte)
		return (*bufPtr)[:size]
	}
	if size <= largeBufferSize {
		bufPtr := bufferPool.large.Get().(*[]byte)
		return (*bufPtr)[:size]
	}
	if size <= xlargeBufferSize {
		bufPtr := bufferPool.xlarge.Get().(*[]byte)
		return (*bufPtr)[:size]
	}
	// For very large buffers, allocate directly
	return make([]byte, size)
}

// PutBuffer returns a buffer to the pool.
// The buffer should not be used after calling this function.
func PutBuffer(buf []byte) {
	c := cap(buf)
	if c == 0 {
		return
	}

	buf = buf[:c]

	switch c {
	case smallBufferSize:
		bufferPool.small.Put(&buf)
	case mediumBufferSize:
		bufferPool.medium.Put(&buf)
	case largeBufferSize:
		bufferPool.large.Put(&buf)
	case xlargeBufferSize:
		bufferPool.xlarge.Put(&buf)
	}
	// Don't pool non-standard sizes or very large buffers
}
