package webapi

import (
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"code.dopame.me/veonik/klaver/cancel"
	"code.dopame.me/veonik/klaver/errkind"
)

// signal is the state shared by an AbortSignal and a Cancel. It is only
// touched on the event loop.
type signal struct {
	tok       *cancel.Token
	reason    goja.Value
	obj       *goja.Object
	listeners []goja.Value
	hooks     []func()
}

func newSignal() *signal {
	return &signal{tok: cancel.New()}
}

func (s *signal) aborted() bool {
	return s.tok.Cancelled()
}

// abort cancels the token with reason and notifies listeners. A nil
// reason is replaced by an AbortError.
func (e *env) abort(s *signal, reason goja.Value, kind errkind.Kind) {
	if s.aborted() {
		return
	}
	if isNullish(reason) {
		reason = e.errorValue(errkind.New(kind, "abort", errors.New("signal is aborted without reason")))
	}
	s.reason = reason
	s.tok.Cancel(fromJS(reason, kind, "abort"))
	if s.obj != nil {
		ev := e.r.NewObject()
		_ = ev.Set("type", "abort")
		_ = ev.Set("target", s.obj)
		if fn, ok := goja.AssertFunction(s.obj.Get("onabort")); ok {
			e.report(fn(s.obj, ev))
		}
		for _, l := range append([]goja.Value(nil), s.listeners...) {
			if fn, ok := goja.AssertFunction(l); ok {
				e.report(fn(s.obj, ev))
			}
		}
	}
	hooks := s.hooks
	s.hooks = nil
	for _, h := range hooks {
		h()
	}
}

// report logs an exception thrown by a listener.
func (e *env) report(_ goja.Value, err error) {
	if err != nil {
		logrus.Warnln("webapi: abort listener threw:", err)
	}
}

// signalObject returns the AbortSignal object for s.
func (e *env) signalObject(s *signal) *goja.Object {
	if s.obj == nil {
		s.obj = e.wrap(e.signalProto, s)
	}
	return s.obj
}

func (e *env) toSignal(v goja.Value) (*signal, bool) {
	s, ok := e.unwrap(v).(*signal)
	return s, ok
}

func (e *env) signalClasses() (sigCtor *goja.Object, ctlCtor *goja.Object) {
	r := e.r
	sigCtor, proto := e.class(func(goja.ConstructorCall) *goja.Object {
		panic(r.NewTypeError("Illegal constructor"))
	})
	e.signalProto = proto
	this := func(v goja.Value) *signal {
		s, ok := e.toSignal(v)
		if !ok {
			panic(r.NewTypeError("Illegal invocation"))
		}
		return s
	}
	e.getter(proto, "aborted", func(v goja.Value) goja.Value {
		return r.ToValue(this(v).aborted())
	})
	e.getter(proto, "reason", func(v goja.Value) goja.Value {
		if s := this(v); s.reason != nil {
			return s.reason
		}
		return goja.Undefined()
	})
	_ = proto.Set("onabort", goja.Null())
	e.method(proto, "throwIfAborted", func(call goja.FunctionCall) goja.Value {
		if s := this(call.This); s.aborted() {
			panic(s.reason)
		}
		return goja.Undefined()
	})
	e.method(proto, "addEventListener", func(call goja.FunctionCall) goja.Value {
		s := this(call.This)
		fn := call.Argument(1)
		if call.Argument(0).String() != "abort" {
			return goja.Undefined()
		}
		if _, ok := goja.AssertFunction(fn); !ok {
			return goja.Undefined()
		}
		for _, l := range s.listeners {
			if l.StrictEquals(fn) {
				return goja.Undefined()
			}
		}
		s.listeners = append(s.listeners, fn)
		return goja.Undefined()
	})
	e.method(proto, "removeEventListener", func(call goja.FunctionCall) goja.Value {
		s := this(call.This)
		fn := call.Argument(1)
		for i, l := range s.listeners {
			if l.StrictEquals(fn) {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				break
			}
		}
		return goja.Undefined()
	})

	_ = sigCtor.Set("abort", func(call goja.FunctionCall) goja.Value {
		s := newSignal()
		obj := e.signalObject(s)
		e.abort(s, call.Argument(0), errkind.Cancelled)
		return obj
	})
	_ = sigCtor.Set("timeout", func(call goja.FunctionCall) goja.Value {
		ms := call.Argument(0).ToInteger()
		if ms < 0 {
			panic(r.NewTypeError("AbortSignal.timeout: delay must not be negative"))
		}
		s := newSignal()
		obj := e.signalObject(s)
		do := e.host.vm.Do
		time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			do(func(*goja.Runtime) {
				err := errkind.Errorf(errkind.Timeout, "abort", "signal timed out after %dms", ms)
				e.abort(s, e.errorValue(err), errkind.Timeout)
			})
		})
		return obj
	})
	_ = sigCtor.Set("any", func(call goja.FunctionCall) goja.Value {
		arr, ok := call.Argument(0).(*goja.Object)
		if !ok {
			panic(r.NewTypeError("AbortSignal.any: expected an array of signals"))
		}
		out := newSignal()
		obj := e.signalObject(out)
		n := arr.Get("length").ToInteger()
		for i := int64(0); i < n; i++ {
			s := this(arr.Get(strconv.FormatInt(i, 10)))
			if s.aborted() {
				e.abort(out, s.reason, errkind.KindOf(s.tok.Err()))
				break
			}
			s.hooks = append(s.hooks, func() {
				e.abort(out, s.reason, errkind.KindOf(s.tok.Err()))
			})
		}
		return obj
	})

	ctlCtor, ctlProto := e.class(func(call goja.ConstructorCall) *goja.Object {
		e.attach(call.This, newSignal())
		return nil
	})
	ctl := func(v goja.Value) *signal {
		s, ok := e.toSignal(v)
		if !ok {
			panic(r.NewTypeError("Illegal invocation"))
		}
		return s
	}
	e.getter(ctlProto, "signal", func(v goja.Value) goja.Value {
		return e.signalObject(ctl(v))
	})
	e.method(ctlProto, "abort", func(call goja.FunctionCall) goja.Value {
		e.abort(ctl(call.This), call.Argument(0), errkind.Cancelled)
		return goja.Undefined()
	})
	return sigCtor, ctlCtor
}

// cancelClass returns the Cancel constructor of @klaver/http. A Cancel is
// the module's cancellation handle: it can be passed as the cancel option
// of a request or fetch.
func (e *env) cancelClass() *goja.Object {
	if e.cancelCtor != nil {
		return e.cancelCtor
	}
	r := e.r
	ctor, proto := e.class(func(call goja.ConstructorCall) *goja.Object {
		e.attach(call.This, newSignal())
		return nil
	})
	e.cancelCtor, e.cancelProto = ctor, proto
	this := func(v goja.Value) *signal {
		s, ok := e.toSignal(v)
		if !ok {
			panic(r.NewTypeError("Illegal invocation"))
		}
		return s
	}
	e.method(proto, "cancel", func(call goja.FunctionCall) goja.Value {
		e.abort(this(call.This), call.Argument(0), errkind.Cancelled)
		return goja.Undefined()
	})
	e.getter(proto, "cancelled", func(v goja.Value) goja.Value {
		return r.ToValue(this(v).aborted())
	})
	e.getter(proto, "reason", func(v goja.Value) goja.Value {
		if s := this(v); s.reason != nil {
			return s.reason
		}
		return goja.Undefined()
	})
	e.getter(proto, "signal", func(v goja.Value) goja.Value {
		return e.signalObject(this(v))
	})
	return ctor
}

func (e *env) newCancel(s *signal) *goja.Object {
	e.cancelClass()
	return e.wrap(e.cancelProto, s)
}
