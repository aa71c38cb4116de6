// Package webapi exposes the HTTP client to javascript.
//
// It installs fetch, Request, Response, Headers, AbortController and
// AbortSignal as globals and registers the @klaver/http module. Blocking
// work happens on goroutines; promises are settled back on the event loop
// through vm.Deferred.
package webapi // import "code.dopame.me/veonik/klaver/webapi"

import (
	"context"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"code.dopame.me/veonik/klaver/client"
	"code.dopame.me/veonik/klaver/errkind"
	"code.dopame.me/veonik/klaver/fetch"
	"code.dopame.me/veonik/klaver/vm"
)

// ModuleName is the name scripts require to get the client classes.
const ModuleName = "@klaver/http"

// An Emitter receives fetch lifecycle events. *event.Dispatcher is an
// Emitter.
type Emitter interface {
	Emit(name string, data map[string]interface{})
}

// A Host binds a Client to javascript runtimes.
type Host struct {
	vm      *vm.VM
	client  *client.Client
	fetcher *fetch.Fetcher
	events  Emitter
}

// An Option configures a Host.
type Option func(*Host)

// WithEmitter sets where fetch.response and fetch.error events are sent.
func WithEmitter(e Emitter) Option {
	return func(h *Host) {
		h.events = e
	}
}

// New returns a Host. Requests made through the global fetch use f;
// @klaver/http Clients share c.
func New(v *vm.VM, c *client.Client, f *fetch.Fetcher, opts ...Option) *Host {
	h := &Host{vm: v, client: c, fetcher: f}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Enable installs the globals on r and registers the module. It must run on
// the event loop, typically as a runtime init handler.
func (h *Host) Enable(r *goja.Runtime) {
	e := newEnv(h, r)
	e.install()
	h.vm.SetModule(&vm.Module{Name: ModuleName, Native: e.module})
}

func (h *Host) emit(name string, data map[string]interface{}) {
	if h.events != nil {
		h.events.Emit(name, data)
	}
}

// env is the per-runtime state of a Host.
type env struct {
	host *Host
	r    *goja.Runtime
	ctx  context.Context

	// state keys the Go value behind each object created by this package.
	state *goja.Symbol

	uint8Array goja.Value
	jsonParse  goja.Callable
	jsonString goja.Callable
	asyncIter  *goja.Symbol
	syncIter   *goja.Symbol

	headersProto  *goja.Object
	signalProto   *goja.Object
	cancelCtor    *goja.Object
	cancelProto   *goja.Object
	bodyProto     *goja.Object
	readerProto   *goja.Object
	requestProto  *goja.Object
	responseProto *goja.Object
	clientCtor    *goja.Object
	clientProto   *goja.Object
}

func newEnv(h *Host, r *goja.Runtime) *env {
	ctx := context.Background()
	if done := h.vm.Done(); done != nil {
		var stop context.CancelFunc
		ctx, stop = context.WithCancel(ctx)
		go func() {
			<-done
			stop()
		}()
	}
	e := &env{host: h, r: r, ctx: ctx, state: goja.NewSymbol("klaver.state")}
	e.uint8Array = r.Get("Uint8Array")
	js := r.Get("JSON").ToObject(r)
	e.jsonParse, _ = goja.AssertFunction(js.Get("parse"))
	e.jsonString, _ = goja.AssertFunction(js.Get("stringify"))
	sym := r.Get("Symbol").ToObject(r)
	e.asyncIter, _ = sym.Get("asyncIterator").(*goja.Symbol)
	e.syncIter, _ = sym.Get("iterator").(*goja.Symbol)
	if e.asyncIter == nil {
		e.asyncIter = goja.NewSymbol("Symbol.asyncIterator")
		_ = sym.DefineDataProperty("asyncIterator", e.asyncIter, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	}
	return e
}

func (e *env) install() {
	r := e.r
	_ = r.Set("Headers", e.headersClass())
	sig, ctl := e.signalClasses()
	_ = r.Set("AbortSignal", sig)
	_ = r.Set("AbortController", ctl)
	e.bodyClasses()
	_ = r.Set("Request", e.requestClass())
	_ = r.Set("Response", e.responseClass())
	_ = r.Set("fetch", e.fetchFunc(e.host.fetcher))
}

// module returns the exports of @klaver/http.
func (e *env) module(r *goja.Runtime) goja.Value {
	exp := r.NewObject()
	_ = exp.Set("Client", e.clientClass())
	_ = exp.Set("Request", r.Get("Request"))
	_ = exp.Set("Response", r.Get("Response"))
	_ = exp.Set("Headers", r.Get("Headers"))
	_ = exp.Set("Cancel", e.cancelClass())
	_ = exp.Set("createCancel", func(goja.FunctionCall) goja.Value {
		return e.newCancel(newSignal())
	})
	_ = exp.Set("fetch", r.Get("fetch"))
	return exp
}

// wrap attaches v to a new object with the given prototype.
func (e *env) wrap(proto *goja.Object, v interface{}) *goja.Object {
	o := e.r.NewObject()
	_ = o.SetPrototype(proto)
	e.attach(o, v)
	return o
}

func (e *env) attach(o *goja.Object, v interface{}) {
	_ = o.DefineDataPropertySymbol(e.state, e.r.ToValue(v), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
}

// unwrap returns the Go value attached to v, or nil.
func (e *env) unwrap(v goja.Value) interface{} {
	o, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	sv := o.GetSymbol(e.state)
	if sv == nil || goja.IsUndefined(sv) {
		return nil
	}
	return sv.Export()
}

// method defines a function property on proto.
func (e *env) method(proto *goja.Object, name string, fn func(call goja.FunctionCall) goja.Value) {
	_ = proto.Set(name, fn)
}

// getter defines a read-only accessor on proto.
func (e *env) getter(proto *goja.Object, name string, fn func(this goja.Value) goja.Value) {
	get := e.r.ToValue(func(call goja.FunctionCall) goja.Value {
		return fn(call.This)
	})
	_ = proto.DefineAccessorProperty(name, get, nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

// class creates a constructor whose prototype is returned alongside it.
func (e *env) class(ctor func(call goja.ConstructorCall) *goja.Object) (*goja.Object, *goja.Object) {
	c := e.r.ToValue(ctor).ToObject(e.r)
	proto, ok := c.Get("prototype").(*goja.Object)
	if !ok {
		proto = e.r.NewObject()
		_ = c.Set("prototype", proto)
	}
	return c, proto
}

// bytes returns a Uint8Array holding p.
func (e *env) bytes(p []byte) goja.Value {
	ab := e.r.NewArrayBuffer(p)
	u8, err := e.r.New(e.uint8Array, e.r.ToValue(ab))
	if err != nil {
		panic(err)
	}
	return u8
}

// throw raises err as a javascript exception.
func (e *env) throw(err error) {
	panic(e.errorValue(err))
}

// jsError carries a javascript value through Go code as an error.
type jsError struct {
	value goja.Value
	err   error
}

func (e *jsError) Error() string { return e.err.Error() }
func (e *jsError) Unwrap() error { return e.err }

// fromJS wraps a value thrown or passed as a reason by javascript.
func fromJS(v goja.Value, kind errkind.Kind, op string) error {
	msg := "undefined"
	if v != nil {
		msg = v.String()
	}
	return &jsError{value: v, err: errkind.New(kind, op, errors.New(msg))}
}

// errorValue converts err to the javascript value a promise is rejected
// with or an exception is thrown as.
func (e *env) errorValue(err error) goja.Value {
	r := e.r
	var je *jsError
	if errors.As(err, &je) && je.value != nil {
		return je.value
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value()
	}
	k := errkind.KindOf(err)
	var o *goja.Object
	switch k {
	case errkind.Cancelled:
		o = r.NewGoError(err)
		_ = o.Set("name", "AbortError")
	case errkind.Timeout:
		o = r.NewGoError(err)
		_ = o.Set("name", "TimeoutError")
	case errkind.InvalidURL, errkind.InvalidMethod, errkind.InvalidHeader, errkind.InvalidBody,
		errkind.Locked, errkind.AlreadyUsed:
		o = r.NewTypeError("%s", err.Error())
	case errkind.Unknown:
		return r.NewGoError(err)
	default:
		o = r.NewGoError(err)
		_ = o.Set("name", "FetchError")
	}
	_ = o.Set("kind", k.Ident())
	return o
}

// deferred returns a pending promise that rejects with errorValue.
func (e *env) deferred() *vm.Deferred {
	d := e.host.vm.NewDeferred(e.r)
	d.ErrorValue = func(_ *goja.Runtime, err error) goja.Value {
		return e.errorValue(err)
	}
	return d
}

// await calls fn once v settles. Values that are not promises settle
// immediately. It must be called on the event loop.
func (e *env) await(v goja.Value, fn func(v goja.Value, err error)) {
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		fn(v, nil)
		return
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		fn(p.Result(), nil)
		return
	case goja.PromiseStateRejected:
		fn(nil, fromJS(p.Result(), errkind.InvalidBody, "await"))
		return
	}
	then, ok := goja.AssertFunction(v.ToObject(e.r).Get("then"))
	if !ok {
		fn(v, nil)
		return
	}
	onOK := e.r.ToValue(func(call goja.FunctionCall) goja.Value {
		fn(call.Argument(0), nil)
		return goja.Undefined()
	})
	onErr := e.r.ToValue(func(call goja.FunctionCall) goja.Value {
		fn(nil, fromJS(call.Argument(0), errkind.InvalidBody, "await"))
		return goja.Undefined()
	})
	if _, err := then(v, onOK, onErr); err != nil {
		logrus.Warnln("webapi: unable to await promise:", err)
		fn(nil, err)
	}
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

// field returns o[name], or nil when o is not an object.
func (e *env) field(o goja.Value, name string) goja.Value {
	if isNullish(o) {
		return nil
	}
	obj, ok := o.(*goja.Object)
	if !ok {
		return nil
	}
	v := obj.Get(name)
	if isNullish(v) {
		return nil
	}
	return v
}

// Client returns the Client shared by every runtime.
func (h *Host) Client() *client.Client {
	return h.client
}
