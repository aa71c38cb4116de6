package stream

import (
	"context"
	"io"
	"sync"

	"code.dopame.me/veonik/klaver/errkind"
)

// A Reader holds the exclusive read lock on a Body.
type Reader struct {
	b        *Body
	released bool
	mu       sync.Mutex
}

func (r *Reader) active() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return errkind.Errorf(errkind.Locked, "read", "reader has been released")
	}
	return nil
}

// Read returns the next chunk. Once the Body is closed and drained, Read
// returns done=true; this is repeatable and never an error. If the Body is
// errored, Read returns the cause.
func (r *Reader) Read(ctx context.Context) (chunk []byte, done bool, err error) {
	if err := r.active(); err != nil {
		return nil, false, err
	}
	chunk, err = r.b.read(ctx)
	if err == io.EOF {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return chunk, false, nil
}

// Release gives up the read lock so that another Reader may be acquired.
func (r *Reader) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	r.b.mu.Lock()
	r.b.locked = false
	r.b.mu.Unlock()
}

// Cancel abandons the Body and releases the lock.
func (r *Reader) Cancel(reason error) error {
	if err := r.active(); err != nil {
		return err
	}
	r.b.cancel(reason)
	r.Release()
	return nil
}

// ioReader adapts a Reader to io.ReadCloser.
type ioReader struct {
	ctx  context.Context
	r    *Reader
	rest []byte
}

func (ir *ioReader) Read(p []byte) (int, error) {
	for len(ir.rest) == 0 {
		chunk, done, err := ir.r.Read(ir.ctx)
		if err != nil {
			return 0, err
		}
		if done {
			return 0, io.EOF
		}
		ir.rest = chunk
	}
	n := copy(p, ir.rest)
	ir.rest = ir.rest[n:]
	return n, nil
}

func (ir *ioReader) Close() error {
	ir.r.Release()
	return nil
}
