package tts

import "bytes"

// chunker re-buffers the provider byte stream so every emitted chunk is
// independently decodable audio: bytes accumulate until the minimum size is
// reached, then flush as one chunk. The trailing remainder flushes at close.
type chunker struct {
	min   int
	buf   bytes.Buffer
	emit  func([]byte)
	count int
	total int
}

func newChunker(min int, emit func([]byte)) *chunker {
	return &chunker{min: min, emit: emit}
}

// Write implements io.Writer over the provider response body.
func (c *chunker) Write(p []byte) (int, error) {
	c.buf.Write(p)
	for c.buf.Len() >= c.min {
		c.flush()
	}
	return len(p), nil
}

// Close flushes any remainder below the size threshold.
func (c *chunker) Close() {
	if c.buf.Len() > 0 {
		c.flush()
	}
}

func (c *chunker) flush() {
	n := c.buf.Len()
	if n > c.min {
		n = c.min
	}
	chunk := make([]byte, n)
	_, _ = c.buf.Read(chunk)
	c.count++
	c.total += n
	c.emit(chunk)
}

// Chunks reports how many chunks were emitted.
func (c *chunker) Chunks() int { return c.count }

// Bytes reports the total bytes emitted.
func (c *chunker) Bytes() int { return c.total }
