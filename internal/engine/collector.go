package engine

import (
	"bufio"
	"io"
	"sync"

	"github.com/sourcegraph/conc"
)

// outputBuffer is a growable byte buffer guarded by a lock so the Signal
// Controller can take a live snapshot while a reader goroutine is still
// appending to it (§4.2 "Buffers must be readable ... for live-status
// queries").
type outputBuffer struct {
	mu   sync.Mutex
	data []byte
	eof  bool
}

func (b *outputBuffer) append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
}

func (b *outputBuffer) markEOF() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eof = true
}

// Snapshot returns a copy of the buffer's current contents, safe to hold
// onto after the lock is released.
func (b *outputBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *outputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *outputBuffer) atEOF() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eof
}

// ChunkFunc receives each chunk read from a stream as it arrives, for
// TestOutputChunk events in live modes. May be nil.
type ChunkFunc func(stream OutputStream, chunk []byte)

// Collector concurrently drains a child's stdout and stderr into in-memory
// buffers (C2). The buffers have no size limit and are never truncated.
// Raw bytes (including non-UTF-8 sequences) are preserved; callers decide
// how to render them.
type Collector struct {
	Stdout *outputBuffer
	Stderr *outputBuffer

	wg conc.WaitGroup
}

// NewCollector creates a Collector with empty buffers.
func NewCollector() *Collector {
	return &Collector{
		Stdout: &outputBuffer{},
		Stderr: &outputBuffer{},
	}
}

// Start launches the two reader goroutines, fed by sourcegraph/conc's
// WaitGroup so a panic in either reader propagates to Wait instead of
// silently killing the attempt's output pipeline.
func (c *Collector) Start(stdout, stderr io.Reader, onChunk ChunkFunc) {
	c.wg.Go(func() { drain(stdout, c.Stdout, StreamStdout, onChunk) })
	c.wg.Go(func() { drain(stderr, c.Stderr, StreamStderr, onChunk) })
}

// Wait blocks until both readers have reached EOF or their pipe errored.
// A pipe only reaches EOF when the process holding its write end
// (including any leaked descendant) closes it — this is the mechanism
// leak detection (§4.1) rides on.
func (c *Collector) Wait() {
	c.wg.Wait()
}

// drain reads a single stream to EOF, chunk by chunk, appending each chunk
// to buf and invoking onChunk if provided. An I/O error truncates the
// buffer but still marks EOF so leak detection and attempt finalization
// are never blocked by it (§4.2, cross-cutting "I/O error reading output").
func drain(r io.Reader, buf *outputBuffer, stream OutputStream, onChunk ChunkFunc) {
	defer buf.markEOF()
	br := bufio.NewReaderSize(r, 32*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, err := br.Read(chunk)
		if n > 0 {
			data := chunk[:n]
			buf.append(data)
			if onChunk != nil {
				cp := make([]byte, n)
				copy(cp, data)
				onChunk(stream, cp)
			}
		}
		if err != nil {
			return
		}
	}
}
