package vm

import (
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// runtime is a wrapper for goja that intends to increase concurrency safety.
type runtime struct {
	inner *goja.Runtime

	mu sync.Mutex
}

func (r *runtime) do(fn func(*goja.Runtime)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		if v := recover(); v != nil {
			logrus.Errorln("vm: recovered from panic in job:", v)
		}
	}()
	fn(r.inner)
}

type job func(*goja.Runtime)

// A timer is the value returned to javascript by setTimeout and friends.
type timer struct {
	fn     goja.Callable
	args   []goja.Value
	repeat bool

	cancelled chan struct{}
	once      sync.Once
}

// scheduler handles the javascript event loop and evaluating javascript code.
type scheduler struct {
	runtime  *runtime
	registry *Registry

	jobs    chan job
	done    chan struct{}
	running bool
	mu      sync.Mutex

	initHandlers []func(r *goja.Runtime)
}

func newScheduler(registry *Registry) *scheduler {
	s := &scheduler{
		runtime:  nil,
		registry: registry,
		jobs:     make(chan job, 256),
	}
	return s
}

func (s *scheduler) initRuntime() {
	sh := []func(*goja.Runtime){
		s.registry.Enable,
		func(r *goja.Runtime) {
			console := r.NewObject()
			logf := func(log func(...interface{})) func(call goja.FunctionCall) goja.Value {
				return func(call goja.FunctionCall) goja.Value {
					var vals []interface{}
					for _, v := range call.Arguments {
						vals = append(vals, v.Export())
					}
					log(vals...)
					return goja.Undefined()
				}
			}
			_ = console.Set("log", logf(logrus.Infoln))
			_ = console.Set("info", logf(logrus.Infoln))
			_ = console.Set("debug", logf(logrus.Debugln))
			_ = console.Set("warn", logf(logrus.Warnln))
			_ = console.Set("error", logf(logrus.Errorln))
			_ = r.Set("console", console)
		},
		func(r *goja.Runtime) {
			_ = r.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
				return s.deferred(r, call, false)
			})
			_ = r.Set("setInterval", func(call goja.FunctionCall) goja.Value {
				return s.deferred(r, call, true)
			})
			_ = r.Set("setImmediate", func(call goja.FunctionCall) goja.Value {
				if len(call.Arguments) == 0 {
					panic(r.NewTypeError("setImmediate requires a function"))
				}
				args := append([]goja.Value{call.Arguments[0], r.ToValue(0)}, call.Arguments[1:]...)
				call.Arguments = args
				return s.deferred(r, call, false)
			})
			_ = r.Set("clearTimeout", cancelTimer)
			_ = r.Set("clearInterval", cancelTimer)
			_ = r.Set("clearImmediate", cancelTimer)
		}}
	s.mu.Lock()
	sh = append(sh, s.initHandlers...)
	s.mu.Unlock()
	for _, h := range sh {
		h(s.runtime.inner)
	}
}

func (s *scheduler) onRuntimeInit(h ...func(r *goja.Runtime)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initHandlers = append(s.initHandlers, h...)
}

func (s *scheduler) prependRuntimeInit(h ...func(r *goja.Runtime)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initHandlers = append(h, s.initHandlers...)
}

func (s *scheduler) worker(rt *runtime, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case j := <-s.jobs:
			rt.do(j)
		}
	}
}

// run queues j. It never blocks once the scheduler is stopped.
func (s *scheduler) run(j job) {
	s.mu.Lock()
	done := s.done
	running := s.running
	s.mu.Unlock()
	if !running {
		logrus.Debugln("vm: dropping job queued while stopped")
		return
	}
	select {
	case s.jobs <- j:
	case <-done:
	}
}

func (s *scheduler) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("vm: already started")
	}
	s.drain()
	s.done = make(chan struct{})
	s.runtime = &runtime{inner: goja.New()}
	s.running = true
	// queued directly; run would need s.mu
	s.jobs <- func(*goja.Runtime) {
		s.initRuntime()
	}
	go s.worker(s.runtime, s.done)
	return nil
}

func (s *scheduler) stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.New("vm: not started")
	}
	done := s.done
	rt := s.runtime
	s.mu.Unlock()
	stop := func(*goja.Runtime) {
		// after this is executed, no further jobs will run
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.running {
			return
		}
		s.running = false
		close(s.done)
	}
	s.run(stop)
	select {
	case <-time.After(500 * time.Millisecond):
		// soft timeout, try emptying the jobs queue and interrupting execution
		logrus.Warnln("vm: soft timeout expired, discarding queued jobs")
		s.drain()
		rt.inner.Interrupt("vm is shutting down")
		// requeue the stop job since we just flushed it down the drain
		s.run(stop)

	case <-done:
		return nil
	}
	select {
	case <-time.After(time.Second):
		return errors.New("vm: timed out waiting to stop")
	case <-done:
		return nil
	}
}

// drain empties the jobs channel.
func (s *scheduler) drain() {
	for {
		select {
		case <-s.jobs:
		default:
			return
		}
	}
}

// deferred schedules a javascript callback on a timer.
func (s *scheduler) deferred(r *goja.Runtime, call goja.FunctionCall, repeating bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(r.NewTypeError("argument 0 must be a function, got %s", call.Argument(0).String()))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = call.Arguments[2:]
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	t := &timer{fn: fn, args: args, repeat: repeating, cancelled: make(chan struct{})}
	go t.loop(s, delay, done)
	return r.ToValue(t)
}

func (t *timer) loop(s *scheduler, delay time.Duration, done chan struct{}) {
	tm := time.NewTimer(delay)
	defer tm.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.cancelled:
			return
		case <-tm.C:
			s.run(func(*goja.Runtime) {
				select {
				case <-t.cancelled:
					// cleared after it fired but before it ran
					return
				default:
				}
				if _, err := t.fn(nil, t.args...); err != nil {
					logrus.Errorln("vm: error in timer callback:", err)
				}
			})
			if !t.repeat {
				return
			}
			tm.Reset(delay)
		}
	}
}

func (t *timer) cancel() {
	t.once.Do(func() {
		close(t.cancelled)
	})
}

func cancelTimer(t *timer) {
	if t == nil {
		return
	}
	t.cancel()
}
