package stream

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

const readChunkSize = 32 << 10

// Empty returns a Body that is already closed.
func Empty() *Body {
	b := newBody(nil, WithLength(0))
	b.state = stateClosed
	b.replay = Empty
	return b
}

// FromBytes returns a Body containing a copy of p as a single chunk.
func FromBytes(p []byte, opts ...Option) *Body {
	cp := make([]byte, len(p))
	copy(cp, p)
	return fromOwnedBytes(cp, opts...)
}

func fromOwnedBytes(p []byte, opts ...Option) *Body {
	if len(p) == 0 {
		return Empty()
	}
	src := SourceFunc(func(_ context.Context, c *Controller) error {
		if err := c.Enqueue(p); err != nil {
			return err
		}
		return c.Close()
	})
	b := newBody(src, append(opts, WithLength(int64(len(p))))...)
	b.replay = func() *Body {
		return fromOwnedBytes(p, opts...)
	}
	return b
}

// FromString returns a Body containing s. The string is encoded to bytes
// the first time the Body is pulled.
func FromString(s string, opts ...Option) *Body {
	if len(s) == 0 {
		return Empty()
	}
	src := SourceFunc(func(_ context.Context, c *Controller) error {
		if err := c.Enqueue([]byte(s)); err != nil {
			return err
		}
		return c.Close()
	})
	b := newBody(src, append(opts, WithLength(int64(len(s))))...)
	b.replay = func() *Body {
		return FromString(s, opts...)
	}
	return b
}

// readerSource pulls fixed-size chunks from an io.Reader.
type readerSource struct {
	r   io.Reader
	buf []byte
}

func (s *readerSource) Pull(_ context.Context, c *Controller) error {
	n, err := s.r.Read(s.buf)
	if n > 0 {
		if eerr := c.Enqueue(s.buf[:n]); eerr != nil {
			return eerr
		}
	}
	if err == io.EOF {
		s.close()
		return c.Close()
	}
	if err != nil {
		s.close()
		return errors.Wrap(err, "stream: reading source")
	}
	return nil
}

func (s *readerSource) Cancel(error) {
	s.close()
}

func (s *readerSource) close() {
	if rc, ok := s.r.(io.Closer); ok {
		_ = rc.Close()
	}
}

// FromReader returns a Body that reads from r on demand. If r is an
// io.Closer it is closed once the Body is done or cancelled.
func FromReader(r io.Reader, opts ...Option) *Body {
	return newBody(&readerSource{r: r, buf: make([]byte, readChunkSize)}, opts...)
}
