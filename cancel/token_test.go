package cancel_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"code.dopame.me/veonik/klaver/cancel"
	"code.dopame.me/veonik/klaver/errkind"
)

func TestToken_Cancel(t *testing.T) {
	tok := cancel.New()
	if tok.Cancelled() {
		t.Errorf("expected new token to be armed")
		return
	}
	calls := 0
	tok.OnCancel(func(reason error) {
		calls++
		if !errkind.Is(reason, errkind.Cancelled) {
			t.Errorf("expected Cancelled reason, got %v", reason)
		}
	})
	if !tok.Cancel(nil) {
		t.Errorf("expected first Cancel to report true")
		return
	}
	if tok.Cancel(errors.New("again")) {
		t.Errorf("expected second Cancel to report false")
		return
	}
	if calls != 1 {
		t.Errorf("expected observer to run exactly once, ran %d times", calls)
		return
	}
	if !errkind.Is(tok.Err(), errkind.Cancelled) {
		t.Errorf("expected Err to keep the first reason, got %v", tok.Err())
		return
	}
	select {
	case <-tok.Done():
	default:
		t.Errorf("expected Done to be closed")
	}
}

func TestToken_OnCancel_alreadyCancelled(t *testing.T) {
	tok := cancel.New()
	reason := errkind.New(errkind.Timeout, "test", nil)
	tok.Cancel(reason)
	var got error
	stop := tok.OnCancel(func(r error) {
		got = r
	})
	if got != reason {
		t.Errorf("expected observer to run immediately with %v, got %v", reason, got)
		return
	}
	if stop() {
		t.Errorf("expected stop to report false after the observer ran")
	}
}

func TestToken_OnCancel_stop(t *testing.T) {
	tok := cancel.New()
	called := false
	stop := tok.OnCancel(func(error) {
		called = true
	})
	if !stop() {
		t.Errorf("expected stop to deregister the observer")
		return
	}
	tok.Cancel(nil)
	if called {
		t.Errorf("expected stopped observer not to run")
	}
}

func TestToken_Child(t *testing.T) {
	parent := cancel.New()
	child := parent.Child()
	child.Cancel(nil)
	if parent.Cancelled() {
		t.Errorf("expected cancelling the child to leave the parent armed")
		return
	}
	other := parent.Child()
	reason := errors.New("shutting down")
	parent.Cancel(reason)
	if other.Err() != reason {
		t.Errorf("expected child to share the parent reason, got %v", other.Err())
	}
}

func TestToken_After(t *testing.T) {
	tok := cancel.New()
	tok.After(5*time.Millisecond, errkind.New(errkind.Timeout, "test", nil))
	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Errorf("expected token to be cancelled by its timer")
		return
	}
	if !errkind.Is(tok.Err(), errkind.Timeout) {
		t.Errorf("expected Timeout reason, got %v", tok.Err())
	}
}

func TestToken_Context(t *testing.T) {
	tok := cancel.New()
	ctx, done := tok.Context(context.Background())
	defer done()
	tok.Cancel(nil)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Errorf("expected context to be cancelled with the token")
		return
	}
	if !errkind.Is(context.Cause(ctx), errkind.Cancelled) {
		t.Errorf("expected context cause to be the token reason, got %v", context.Cause(ctx))
	}
}

func TestToken_Link(t *testing.T) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancelCtx()
	tok := cancel.New()
	tok.Link(ctx)
	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Errorf("expected token to follow the context")
		return
	}
	if !errkind.Is(tok.Err(), errkind.Timeout) {
		t.Errorf("expected deadline to map to Timeout, got %v", tok.Err())
	}
}
