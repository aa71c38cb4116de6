// Package cancel provides a shareable, one-shot cancellation signal.
//
// A Token starts armed and becomes cancelled exactly once. Observers
// registered with OnCancel are notified when that happens, or immediately if
// the token was already cancelled. Tokens are safe for concurrent use.
package cancel // import "code.dopame.me/veonik/klaver/cancel"

import (
	"context"
	"sync"
	"time"

	"code.dopame.me/veonik/klaver/errkind"
)

type observer struct {
	fn func(reason error)
}

// A Token is a one-shot cancellation signal.
type Token struct {
	observers []*observer
	reason    error
	done      chan struct{}
	cancelled bool

	mu sync.Mutex
}

// New returns a new, armed Token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel cancels the token with the given reason. A nil reason is replaced
// with a Cancelled error. Cancel returns false if the token was already
// cancelled, in which case the call has no effect.
//
// Observers run synchronously on the calling goroutine, in registration
// order, before Cancel returns.
func (t *Token) Cancel(reason error) bool {
	if reason == nil {
		reason = errkind.New(errkind.Cancelled, "cancel", nil)
	}
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.reason = reason
	obs := t.observers
	t.observers = nil
	close(t.done)
	t.mu.Unlock()

	for _, o := range obs {
		o.fn(reason)
	}
	return true
}

// OnCancel registers fn to be called once when the token is cancelled. If
// the token is already cancelled, fn is called immediately.
//
// The returned stop func deregisters fn; it returns false if fn has already
// been called or was already stopped.
func (t *Token) OnCancel(fn func(reason error)) (stop func() bool) {
	t.mu.Lock()
	if t.cancelled {
		reason := t.reason
		t.mu.Unlock()
		fn(reason)
		return func() bool { return false }
	}
	o := &observer{fn: fn}
	t.observers = append(t.observers, o)
	t.mu.Unlock()

	return func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, v := range t.observers {
			if v == o {
				t.observers = append(t.observers[:i], t.observers[i+1:]...)
				return true
			}
		}
		return false
	}
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Err returns nil while the token is armed and the cancellation reason
// afterward.
func (t *Token) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done returns a channel that is closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Child returns a new Token that is cancelled, with the same reason,
// whenever t is cancelled. Cancelling the child does not affect t.
func (t *Token) Child() *Token {
	c := New()
	stop := t.OnCancel(func(reason error) {
		c.Cancel(reason)
	})
	c.OnCancel(func(error) {
		stop()
	})
	return c
}

// After arranges for the token to be cancelled with reason once d elapses.
// The returned func stops the timer.
func (t *Token) After(d time.Duration, reason error) (stop func() bool) {
	tm := time.AfterFunc(d, func() {
		t.Cancel(reason)
	})
	return tm.Stop
}

// Context returns a context derived from parent that is cancelled when the
// token is. The token's reason is available through context.Cause.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := t.OnCancel(func(reason error) {
		cancel(reason)
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// Link cancels the token when ctx is done. The reason wraps context.Cause
// of ctx: a Timeout error when the deadline passed, Cancelled otherwise.
// The returned func detaches the token from ctx.
func (t *Token) Link(ctx context.Context) (stop func() bool) {
	if ctx.Done() == nil {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, func() {
		t.Cancel(FromContext(ctx))
	})
}

// FromContext converts a finished context's error into a kinded error.
func FromContext(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		return nil
	}
	if errkind.KindOf(cause) != errkind.Unknown {
		return cause
	}
	if ctx.Err() == context.DeadlineExceeded {
		return errkind.New(errkind.Timeout, "context", cause)
	}
	return errkind.New(errkind.Cancelled, "context", cause)
}
