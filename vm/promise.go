package vm

import (
	"sync"

	"github.com/dop251/goja"
)

// A Deferred settles a javascript promise from any goroutine.
//
// Settling is always performed on the event loop; if the VM has stopped in
// the meantime the promise is simply left pending.
type Deferred struct {
	Promise *goja.Promise

	// ErrorValue converts a Go error into the value the promise is rejected
	// with. It runs on the event loop. By default errors are wrapped with
	// Runtime.NewGoError.
	ErrorValue func(r *goja.Runtime, err error) goja.Value

	resolve func(v interface{})
	reject  func(v interface{})
	do      func(func(*goja.Runtime))
	once    sync.Once
}

// NewDeferred creates a pending promise. It must be called on the event loop.
func (vm *VM) NewDeferred(r *goja.Runtime) *Deferred {
	p, resolve, reject := r.NewPromise()
	return &Deferred{
		Promise: p,
		resolve: func(v interface{}) { resolve(v) },
		reject:  func(v interface{}) { reject(v) },
		do:      vm.Do,
	}
}

// Settle queues fn on the event loop and settles the promise with its
// result: rejected if fn returns an error, resolved with the value
// otherwise. Only the first call to Settle has any effect.
func (d *Deferred) Settle(fn func(r *goja.Runtime) (interface{}, error)) {
	d.once.Do(func() {
		d.do(func(r *goja.Runtime) {
			v, err := fn(r)
			if err != nil {
				d.reject(d.errorValue(r, err))
			} else {
				d.resolve(v)
			}
			Flush(r)
		})
	})
}

// Resolve settles the promise with v.
func (d *Deferred) Resolve(v interface{}) {
	d.Settle(func(*goja.Runtime) (interface{}, error) {
		return v, nil
	})
}

// Reject settles the promise with err.
func (d *Deferred) Reject(err error) {
	d.Settle(func(*goja.Runtime) (interface{}, error) {
		return nil, err
	})
}

func (d *Deferred) errorValue(r *goja.Runtime, err error) goja.Value {
	if d.ErrorValue != nil {
		return d.ErrorValue(r, err)
	}
	return r.NewGoError(err)
}

// Flush runs any promise reactions queued by Go code outside of a
// javascript call. It must be called on the event loop.
func Flush(r *goja.Runtime) {
	noop, ok := goja.AssertFunction(r.ToValue(func(goja.FunctionCall) goja.Value {
		return goja.Undefined()
	}))
	if !ok {
		return
	}
	_, _ = noop(goja.Undefined())
}
