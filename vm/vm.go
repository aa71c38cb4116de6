// Package vm runs javascript for klaver.
//
// This package embeds goja (https://github.com/dop251/goja) as the javascript
// parser and executor. All access to the runtime is funneled through a
// single worker goroutine which doubles as the event loop: timers, promise
// settlement and host callbacks are all queued as jobs with Do.
package vm // import "code.dopame.me/veonik/klaver/vm"

import (
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"github.com/pkg/errors"
)

// A VM manages the state and environment of a javascript interpreter.
type VM struct {
	registry  *Registry
	scheduler *scheduler

	// done is initialized when the VM is started and closed when it is stopped.
	done chan struct{}
	mu   sync.Mutex
}

func New(registry *Registry) (*VM, error) {
	return &VM{registry: registry, scheduler: newScheduler(registry)}, nil
}

func (vm *VM) SetModule(module *Module) {
	vm.registry.SetModule(module)
}

func (vm *VM) PrependRuntimeInit(h func(*goja.Runtime)) {
	vm.scheduler.prependRuntimeInit(h)
}

func (vm *VM) OnRuntimeInit(h func(*goja.Runtime)) {
	vm.scheduler.onRuntimeInit(h)
}

func (vm *VM) Compile(name, in string) (*goja.Program, error) {
	p, err := parser.ParseFile(nil, name, in, parser.Mode(0))
	if err != nil {
		return nil, err
	}
	return goja.CompileAST(p, true)
}

func (vm *VM) Start() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.done != nil {
		select {
		case <-vm.done:
			// stopped; start it up again
		default:
			return nil
		}
	}
	vm.done = make(chan struct{})
	return vm.scheduler.start()
}

func (vm *VM) Shutdown() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	done := vm.done
	if done == nil {
		return errors.New("vm: not started")
	}
	errc := make(chan error, 1)
	go func() {
		select {
		case <-done:
			errc <- nil
		default:
			err := vm.scheduler.stop()
			close(done)
			errc <- err
		}
	}()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		return errors.New("vm: timed out waiting for shutdown")
	}
}

func (vm *VM) doneChan() chan struct{} {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.done
}

// Done returns a channel that is closed when the running VM is shut down.
// It returns nil if the VM has never been started.
func (vm *VM) Done() <-chan struct{} {
	return vm.doneChan()
}

func (vm *VM) RunString(in string) *AsyncResult {
	return vm.RunScript("<eval>", in)
}

func (vm *VM) RunScript(name, in string) *AsyncResult {
	vmdone := vm.doneChan()
	res := newResult(vmdone)
	vm.scheduler.run(func(r *goja.Runtime) {
		p, err := vm.Compile(name, in)
		if err != nil {
			res.resolve(nil, err)
		} else {
			res.resolve(r.RunProgram(p))
		}
	})
	return newAsyncResult(res, vmdone, vm.Do)
}

func (vm *VM) RunProgram(p *goja.Program) *AsyncResult {
	vmdone := vm.doneChan()
	res := newResult(vmdone)
	vm.scheduler.run(func(r *goja.Runtime) {
		res.resolve(r.RunProgram(p))
	})
	return newAsyncResult(res, vmdone, vm.Do)
}

// Do queues fn to run on the event loop. Jobs queued while the VM is
// stopped are dropped.
func (vm *VM) Do(fn func(*goja.Runtime)) {
	vm.scheduler.run(fn)
}
