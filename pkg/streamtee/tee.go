// Package streamtee implements the capacity-1, backpressured byte-stream
// splitter used by the audit layers to observe a body without buffering it
// wholesale (§4.4, §9).
package streamtee

import (
	"io"
)

// chunk carries either a slice of bytes or a terminal error/EOF signal.
type chunk struct {
	data []byte
	err  error
}

// branch is one of the tee's two output readers.
type branch struct {
	ch     chan chunk
	buf    []byte
	err    error
	closed bool
}

func (b *branch) Read(p []byte) (int, error) {
	for len(b.buf) == 0 && b.err == nil {
		c, ok := <-b.ch
		if !ok {
			b.err = io.EOF
			break
		}
		if c.err != nil {
			b.err = c.err
			break
		}
		b.buf = c.data
	}
	if len(b.buf) == 0 {
		return 0, b.err
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// Close marks this branch as severed. The producer goroutine detects a full
// channel and a closed consumer independently by send failing only if it
// blocks forever; to let Close actually unblock the producer we drain the
// channel in a background goroutine once closed.
func (b *branch) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	go func() {
		for range b.ch {
		}
	}()
	return nil
}

// Tee reads src to completion on a dedicated goroutine, duplicating each
// chunk to both returned readers. Chunks are delivered to a and b as Ok
// values; a terminal read error from src is delivered to b only (the
// "primary" branch in the spec's Result<Chunk,Error> framing), matching
// §4.4 exactly. Capacity-1 channels on each branch mean the goroutine
// reading src blocks until BOTH branches have consumed the previous chunk,
// providing the documented backpressure without buffering the whole body.
func Tee(src io.Reader) (a, b io.ReadCloser) {
	chA := make(chan chunk, 1)
	chB := make(chan chunk, 1)
	ba := &branch{ch: chA}
	bb := &branch{ch: chB}

	go func() {
		defer close(chB)
		buf := make([]byte, 32*1024)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				chA <- chunk{data: cp}
				chB <- chunk{data: cp}
			}
			if err != nil {
				// a ends with a clean EOF before the error (if any) is sent
				// to b, so a reader draining a never waits on b.
				close(chA)
				if err != io.EOF {
					chB <- chunk{err: err}
				}
				return
			}
		}
	}()

	return ba, bb
}
