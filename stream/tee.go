package stream

import (
	"context"
	"sync"

	"code.dopame.me/veonik/klaver/errkind"
)

type tee struct {
	r        *Reader
	branches [2]*Controller
	live     [2]bool
	mu       sync.Mutex
}

func (t *tee) pull(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	chunk, done, err := t.r.Read(ctx)
	switch {
	case err != nil:
		for i, c := range t.branches {
			if t.live[i] {
				_ = c.Error(err)
			}
		}
	case done:
		for i, c := range t.branches {
			if t.live[i] {
				_ = c.Close()
			}
		}
	default:
		for i, c := range t.branches {
			if t.live[i] {
				_ = c.Enqueue(chunk)
			}
		}
	}
	return nil
}

func (t *tee) cancel(i int, reason error) {
	t.mu.Lock()
	t.live[i] = false
	both := !t.live[0] && !t.live[1]
	t.mu.Unlock()
	if both {
		_ = t.r.Cancel(reason)
	}
}

type teeBranch struct {
	t *tee
	i int
}

func (b *teeBranch) Pull(ctx context.Context, _ *Controller) error {
	return b.t.pull(ctx)
}

func (b *teeBranch) Cancel(reason error) {
	b.t.cancel(b.i, reason)
}

// Tee splits an unconsumed Body into two independent Bodies that each see
// every chunk. Bodies backed by in-memory data are duplicated directly;
// otherwise b is locked and read on behalf of both branches, so b itself
// must no longer be used.
func (b *Body) Tee() (*Body, *Body, error) {
	b.mu.Lock()
	if b.used {
		b.mu.Unlock()
		return nil, nil, errkind.New(errkind.AlreadyUsed, "tee", nil)
	}
	if b.locked {
		b.mu.Unlock()
		return nil, nil, errkind.New(errkind.Locked, "tee", nil)
	}
	replay := b.replay
	b.mu.Unlock()
	if replay != nil {
		return replay(), replay(), nil
	}
	r, err := b.Lock()
	if err != nil {
		return nil, nil, err
	}
	t := &tee{r: r, live: [2]bool{true, true}}
	opts := []Option{WithHighWaterMark(b.hwm), WithLength(b.length)}
	first := newBody(&teeBranch{t: t, i: 0}, opts...)
	second := newBody(&teeBranch{t: t, i: 1}, opts...)
	t.branches = [2]*Controller{first.ctrl, second.ctrl}
	return first, second, nil
}
