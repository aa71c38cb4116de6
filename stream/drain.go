package stream

import (
	"bytes"
	"context"
	"io"
	"iter"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"

	"code.dopame.me/veonik/klaver/errkind"
)

// consume marks the Body as used and acquires its read lock. It fails with
// AlreadyUsed if the Body has been read from or cancelled, and with Locked
// if another Reader holds it.
func (b *Body) consume(op string) (*Reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used {
		return nil, errkind.New(errkind.AlreadyUsed, op, nil)
	}
	if b.locked {
		return nil, errkind.New(errkind.Locked, op, nil)
	}
	b.used = true
	b.consumed = true
	b.locked = true
	return &Reader{b: b}, nil
}

// Each calls fn with every chunk, in order, until the Body is done. It
// returns the first error from fn or from the Body.
func (b *Body) Each(ctx context.Context, fn func(chunk []byte) error) error {
	r, err := b.consume("each")
	if err != nil {
		return err
	}
	defer r.Release()
	for {
		chunk, done, err := r.Read(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := fn(chunk); err != nil {
			_ = r.Cancel(err)
			return err
		}
	}
}

// All returns a single-use iterator over the Body's chunks. If the Body
// cannot be consumed, or a read fails, the error is yielded once.
func (b *Body) All(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		r, err := b.consume("iterate")
		if err != nil {
			yield(nil, err)
			return
		}
		defer r.Release()
		for {
			chunk, done, err := r.Read(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if done {
				return
			}
			if !yield(chunk, nil) {
				_ = r.Cancel(errkind.New(errkind.Cancelled, "iterate", nil))
				return
			}
		}
	}
}

// Bytes drains the Body into a single byte slice.
func (b *Body) Bytes(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	if b.length > 0 {
		buf.Grow(int(b.length))
	}
	err := b.Each(ctx, func(chunk []byte) error {
		_, err := buf.Write(chunk)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Text drains the Body and decodes it as UTF-8. A leading byte order mark
// is stripped and invalid sequences become U+FFFD.
func (b *Body) Text(ctx context.Context) (string, error) {
	raw, err := b.decoded(ctx)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// JSON drains the Body and unmarshals it into v. The body is decoded the
// same way as Text first.
func (b *Body) JSON(ctx context.Context, v interface{}) error {
	raw, err := b.decoded(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "stream: decoding json")
	}
	return nil
}

func (b *Body) decoded(ctx context.Context) ([]byte, error) {
	raw, err := b.Bytes(ctx)
	if err != nil {
		return nil, err
	}
	out, err := unicode.UTF8BOM.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, errors.Wrap(err, "stream: decoding text")
	}
	return out, nil
}

// NewReader consumes the Body through an io.ReadCloser. Close releases the
// read lock without cancelling the Body.
func (b *Body) NewReader(ctx context.Context) (io.ReadCloser, error) {
	r, err := b.consume("reader")
	if err != nil {
		return nil, err
	}
	return &ioReader{ctx: ctx, r: r}, nil
}
