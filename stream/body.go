// Package stream implements a pull-driven, single-consumer byte stream used
// as the payload of requests and responses.
//
// A Body is fed by a producer through a Controller: either a Source whose
// Pull method is invoked whenever a reader finds the queue empty, or an
// external goroutine holding the Controller returned by NewPush. A Body is
// read by at most one Reader at a time and may be drained exactly once.
package stream // import "code.dopame.me/veonik/klaver/stream"

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"code.dopame.me/veonik/klaver/cancel"
	"code.dopame.me/veonik/klaver/errkind"
)

// DefaultHighWaterMark is the number of buffered bytes above which a Body
// reports backpressure to its producer.
const DefaultHighWaterMark = 64 << 10

// ErrClosed is returned by Controller methods once the Body is terminal.
var ErrClosed = errors.New("stream: body is closed")

// A Source produces chunks on demand.
//
// Pull is called when a reader is waiting and the queue is empty. It may
// enqueue any number of chunks and may close or error the body. Returning an
// error errors the body with it. Pull is never called concurrently with
// itself.
type Source interface {
	Pull(ctx context.Context, c *Controller) error
}

// SourceFunc adapts a func to a Source.
type SourceFunc func(ctx context.Context, c *Controller) error

func (f SourceFunc) Pull(ctx context.Context, c *Controller) error {
	return f(ctx, c)
}

// A Canceler is a Source that wants to know when the consumer gives up.
type Canceler interface {
	Cancel(reason error)
}

type state uint8

const (
	stateOpen state = iota
	stateClosed
	stateErrored
)

// An Option configures a Body.
type Option func(*Body)

// WithHighWaterMark sets the backpressure threshold in bytes.
func WithHighWaterMark(n int) Option {
	return func(b *Body) {
		if n > 0 {
			b.hwm = n
		}
	}
}

// WithLength records the total body length, if known in advance.
func WithLength(n int64) Option {
	return func(b *Body) {
		b.length = n
	}
}

// WithCancel sets a hook called when the consumer cancels the body.
func WithCancel(fn func(reason error)) Option {
	return func(b *Body) {
		b.onCancel = fn
	}
}

// A Body is an ordered sequence of immutable byte chunks.
type Body struct {
	src      Source
	onCancel func(reason error)
	hwm      int
	length   int64
	replay   func() *Body

	state    state
	cause    error
	queue    [][]byte
	buffered int
	pulling  bool
	locked   bool
	used     bool
	// consumed is set once a drain has started or a Reader has seen the end
	// of the Body. A consumed Body cannot be locked again.
	consumed bool
	// changed is closed and replaced whenever the queue or state changes.
	changed chan struct{}

	ctrl *Controller
	mu   sync.Mutex
}

func newBody(src Source, opts ...Option) *Body {
	b := &Body{
		src:     src,
		hwm:     DefaultHighWaterMark,
		length:  -1,
		changed: make(chan struct{}),
	}
	b.ctrl = &Controller{b: b}
	for _, o := range opts {
		o(b)
	}
	return b
}

// New returns a Body whose chunks are produced by src.
func New(src Source, opts ...Option) *Body {
	return newBody(src, opts...)
}

// NewPush returns a Body with no Source along with its Controller. The
// caller is responsible for enqueueing chunks and eventually closing or
// erroring the Body.
func NewPush(opts ...Option) (*Body, *Controller) {
	b := newBody(nil, opts...)
	return b, b.ctrl
}

// notifyLocked wakes anyone waiting for a change. b.mu must be held.
func (b *Body) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Length returns the total length of the body in bytes, or -1 if unknown.
func (b *Body) Length() int64 {
	return b.length
}

// Locked reports whether a Reader currently holds the Body.
func (b *Body) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Used reports whether the Body has been read from or cancelled.
func (b *Body) Used() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Consumed reports whether the Body has been drained, or read to its end.
func (b *Body) Consumed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumed
}

// Lock acquires the Body for exclusive reading. It fails with a Locked error
// while another Reader holds it, and with AlreadyUsed once the Body has been
// consumed. A Body that was only partly read may be locked again.
func (b *Body) Lock() (*Reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked {
		return nil, errkind.New(errkind.Locked, "lock", nil)
	}
	if b.consumed {
		return nil, errkind.New(errkind.AlreadyUsed, "lock", nil)
	}
	b.locked = true
	return &Reader{b: b}, nil
}

// Cancel abandons the Body. Queued chunks are discarded and the producer's
// cancel hook is invoked. Cancel fails with a Locked error while a Reader
// holds the Body; use Reader.Cancel instead.
func (b *Body) Cancel(reason error) error {
	b.mu.Lock()
	if b.locked {
		b.mu.Unlock()
		return errkind.New(errkind.Locked, "cancel", nil)
	}
	b.mu.Unlock()
	b.cancel(reason)
	return nil
}

func (b *Body) cancel(reason error) {
	b.mu.Lock()
	b.used = true
	if b.state != stateOpen {
		b.mu.Unlock()
		return
	}
	b.state = stateClosed
	b.queue = nil
	b.buffered = 0
	b.notifyLocked()
	b.mu.Unlock()

	if c, ok := b.src.(Canceler); ok {
		c.Cancel(reason)
	}
	if b.onCancel != nil {
		b.onCancel(reason)
	}
}

// read returns the next chunk, or io.EOF once the Body is closed and empty.
func (b *Body) read(ctx context.Context) ([]byte, error) {
	for {
		b.mu.Lock()
		b.used = true
		if len(b.queue) > 0 {
			chunk := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.buffered -= len(chunk)
			b.notifyLocked()
			b.mu.Unlock()
			return chunk, nil
		}
		switch b.state {
		case stateClosed:
			b.consumed = true
			b.mu.Unlock()
			return nil, io.EOF
		case stateErrored:
			err := b.cause
			b.mu.Unlock()
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			b.mu.Unlock()
			return nil, cancel.FromContext(ctx)
		}
		if b.src != nil && !b.pulling {
			b.pulling = true
			b.mu.Unlock()
			err := b.src.Pull(ctx, b.ctrl)
			b.mu.Lock()
			b.pulling = false
			if err != nil {
				b.errorLocked(err)
			}
			b.notifyLocked()
			b.mu.Unlock()
			continue
		}
		ch := b.changed
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, cancel.FromContext(ctx)
		}
	}
}

// errorLocked moves the Body into the errored state. b.mu must be held.
func (b *Body) errorLocked(cause error) bool {
	if b.state != stateOpen {
		return false
	}
	b.state = stateErrored
	b.cause = cause
	b.queue = nil
	b.buffered = 0
	return true
}

// A Controller is the producer's handle on a Body.
type Controller struct {
	b *Body
}

// Enqueue appends a copy of chunk to the Body's queue. Empty chunks are
// ignored. Enqueue fails with ErrClosed once the Body is terminal.
func (c *Controller) Enqueue(chunk []byte) error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateOpen {
		return ErrClosed
	}
	if len(chunk) == 0 {
		return nil
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	b.queue = append(b.queue, cp)
	b.buffered += len(cp)
	b.notifyLocked()
	return nil
}

// Close marks the end of the Body. Chunks already queued remain readable.
func (c *Controller) Close() error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateOpen {
		return ErrClosed
	}
	b.state = stateClosed
	b.notifyLocked()
	return nil
}

// Error fails the Body with cause. Queued chunks are discarded and every
// subsequent read returns cause.
func (c *Controller) Error(cause error) error {
	if cause == nil {
		cause = errors.New("stream: errored without a cause")
	}
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.errorLocked(cause) {
		return ErrClosed
	}
	b.notifyLocked()
	return nil
}

// DesiredSize returns how many more bytes may be queued before the Body
// reports backpressure. It is zero or negative under backpressure.
func (c *Controller) DesiredSize() int {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hwm - b.buffered
}

// Wait blocks until the Body has room for more data, the Body becomes
// terminal, or ctx is done. It returns ErrClosed if the Body is terminal.
func (c *Controller) Wait(ctx context.Context) error {
	b := c.b
	for {
		b.mu.Lock()
		if b.state != stateOpen {
			b.mu.Unlock()
			return ErrClosed
		}
		if b.buffered < b.hwm {
			b.mu.Unlock()
			return nil
		}
		ch := b.changed
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return cancel.FromContext(ctx)
		}
	}
}
