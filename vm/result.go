package vm

import (
	"time"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrExecutionCancelled = errors.New("execution cancelled")

// A Result is the output from executing synchronous code on a VM.
type Result struct {
	// Closed when the result is ready. Read from this channel to detect when
	// the result has been populated and is safe to inspect.
	Ready chan struct{}
	// Error associated with the result, if any. Only read from this after
	// the result is ready.
	Error error
	// Value associated with the result if there is no error. Only read from
	// this after the result is ready.
	Value goja.Value

	// vmdone is a copy of the VM's done channel at the time Run* is called.
	vmdone chan struct{}
	// cancel is closed to signal that the result is no longer needed.
	cancel chan struct{}
}

func newResult(vmdone chan struct{}) *Result {
	r := &Result{Ready: make(chan struct{}), cancel: make(chan struct{}), vmdone: vmdone}
	go func() {
		select {
		case <-r.Ready:
		case <-r.cancel:
			r.resolve(nil, ErrExecutionCancelled)
		case <-r.vmdone:
			// VM shutdown without resolving
			r.resolve(nil, ErrExecutionCancelled)
		}
	}()
	return r
}

// resolve populates the result with the given value or error and signals ready.
func (r *Result) resolve(v goja.Value, err error) {
	select {
	case <-r.Ready:
		logrus.Debugln("vm: resolve called on already finished Result")

	default:
		r.Error = err
		r.Value = v
		close(r.Ready)
	}
}

// Await blocks until the result is ready and returns the result or error.
func (r *Result) Await() (goja.Value, error) {
	<-r.Ready
	return r.Value, r.Error
}

// Cancel the result to halt execution.
func (r *Result) Cancel() {
	select {
	case <-r.cancel:
	default:
		close(r.cancel)
	}
}

// runFunc is a proxy for the Do method on a VM.
type runFunc func(func(*goja.Runtime))

// AsyncResult handles invocations of asynchronous code that returns promises.
// An AsyncResult accepts any goja.Value; non-promises resolve immediately,
// so this is safe to wrap all results produced by the Run* methods on a VM.
type AsyncResult struct {
	// Closed when the result is ready.
	Ready chan struct{}
	// Error associated with the result, if any. Only read from this after
	// the result is ready.
	Error error
	// Value associated with the result if there is no error. Only read from
	// this after the result is ready.
	Value goja.Value

	// syncResult contains the original synchronous result.
	syncResult *Result

	vmdone chan struct{}
	vmdo   runFunc

	// cancel is closed to signal that the result is no longer needed.
	cancel chan struct{}
}

func newAsyncResult(sr *Result, vmdone chan struct{}, vmdo runFunc) *AsyncResult {
	r := &AsyncResult{
		Ready:      make(chan struct{}),
		syncResult: sr,
		vmdo:       vmdo,
		vmdone:     vmdone,
		cancel:     make(chan struct{}),
	}
	go r.loop()
	return r
}

// resolve populates the result with the given value or error and signals ready.
func (r *AsyncResult) resolve(v goja.Value, err error) {
	select {
	case <-r.Ready:
	default:
		r.Error = err
		r.Value = v
		close(r.Ready)
	}
}

// Await blocks until the result is ready and returns the result or error.
func (r *AsyncResult) Await() (goja.Value, error) {
	<-r.Ready
	return r.Value, r.Error
}

// Cancel the result to halt execution.
func (r *AsyncResult) Cancel() {
	select {
	case <-r.cancel:
	default:
		close(r.cancel)
	}
}

// loop polls the promise state on the event loop until it settles.
func (r *AsyncResult) loop() {
	sr := r.syncResult
	select {
	case <-sr.Ready:
	case <-r.cancel:
		r.resolve(nil, ErrExecutionCancelled)
		return
	}
	if sr.Error != nil {
		r.resolve(sr.Value, sr.Error)
		return
	}
	if sr.Value == nil {
		r.resolve(goja.Undefined(), nil)
		return
	}
	p, ok := sr.Value.Export().(*goja.Promise)
	if !ok {
		r.resolve(sr.Value, nil)
		return
	}
	// delay is how long to wait until we check for a result
	delay := 10 * time.Microsecond
	for {
		if delay < 100*time.Millisecond {
			// backoff sharply at first but stop at 100ms between checks
			delay = delay * 10
		}
		select {
		case <-r.cancel:
			r.resolve(nil, ErrExecutionCancelled)
			return
		case <-r.vmdone:
			r.resolve(nil, ErrExecutionCancelled)
			return
		case <-time.After(delay):
		}
		checked := make(chan struct{})
		r.vmdo(func(*goja.Runtime) {
			defer close(checked)
			r.check(p)
		})
		select {
		case <-checked:
		case <-r.vmdone:
			r.resolve(nil, ErrExecutionCancelled)
			return
		}
		select {
		case <-r.Ready:
			return
		default:
		}
	}
}

func (r *AsyncResult) check(p *goja.Promise) {
	switch p.State() {
	case goja.PromiseStatePending:
		return
	case goja.PromiseStateFulfilled:
		r.resolve(p.Result(), nil)
	case goja.PromiseStateRejected:
		r.resolve(nil, RejectionError(p.Result()))
	}
}

// RejectionError converts the reason a promise was rejected with into a Go
// error. Errors created from Go are unwrapped; other values are described
// by their name and message.
func RejectionError(v goja.Value) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return errors.New("promise rejected without a reason")
	}
	if err, ok := v.Export().(error); ok {
		return err
	}
	o, ok := v.(*goja.Object)
	if !ok {
		return errors.Errorf("received non-Error from rejected Promise: %s", v.String())
	}
	if gv := o.Get("value"); gv != nil {
		if err, ok := gv.Export().(error); ok {
			return err
		}
	}
	name, msg := o.Get("name"), o.Get("message")
	if name == nil || msg == nil {
		return errors.Errorf("received non-Error from rejected Promise: %s", v.String())
	}
	return errors.Errorf("%s: %s", name.String(), msg.String())
}
