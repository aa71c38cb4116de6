package webapi

import (
	"github.com/dop251/goja"

	"code.dopame.me/veonik/klaver/errkind"
	"code.dopame.me/veonik/klaver/message"
)

func (e *env) headersClass() *goja.Object {
	r := e.r
	ctor, proto := e.class(func(call goja.ConstructorCall) *goja.Object {
		h, err := e.toHeaders(call.Argument(0))
		if err != nil {
			e.throw(err)
		}
		e.attach(call.This, h)
		return nil
	})
	e.headersProto = proto

	this := func(v goja.Value) *message.Headers {
		h, ok := e.unwrap(v).(*message.Headers)
		if !ok {
			panic(r.NewTypeError("Illegal invocation"))
		}
		return h
	}
	e.method(proto, "append", func(call goja.FunctionCall) goja.Value {
		if err := this(call.This).Append(call.Argument(0).String(), call.Argument(1).String()); err != nil {
			e.throw(err)
		}
		return goja.Undefined()
	})
	e.method(proto, "set", func(call goja.FunctionCall) goja.Value {
		if err := this(call.This).Set(call.Argument(0).String(), call.Argument(1).String()); err != nil {
			e.throw(err)
		}
		return goja.Undefined()
	})
	e.method(proto, "get", func(call goja.FunctionCall) goja.Value {
		if v, ok := this(call.This).Get(call.Argument(0).String()); ok {
			return r.ToValue(v)
		}
		return goja.Null()
	})
	e.method(proto, "getAll", func(call goja.FunctionCall) goja.Value {
		vs := this(call.This).Values(call.Argument(0).String())
		out := make([]interface{}, len(vs))
		for i, v := range vs {
			out[i] = v
		}
		return r.NewArray(out...)
	})
	e.method(proto, "has", func(call goja.FunctionCall) goja.Value {
		return r.ToValue(this(call.This).Has(call.Argument(0).String()))
	})
	e.method(proto, "delete", func(call goja.FunctionCall) goja.Value {
		this(call.This).Delete(call.Argument(0).String())
		return goja.Undefined()
	})
	e.method(proto, "forEach", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(r.NewTypeError("Headers.forEach: callback is not a function"))
		}
		var ferr error
		this(call.This).Each(func(name, value string) {
			if ferr != nil {
				return
			}
			_, ferr = fn(call.Argument(1), r.ToValue(value), r.ToValue(name), call.This)
		})
		if ferr != nil {
			e.throw(ferr)
		}
		return goja.Undefined()
	})
	iterate := func(sel func(name, value string) interface{}) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			var items []interface{}
			this(call.This).Each(func(name, value string) {
				items = append(items, sel(name, value))
			})
			arr := r.NewArray(items...)
			values, _ := goja.AssertFunction(arr.Get("values"))
			it, err := values(arr)
			if err != nil {
				e.throw(err)
			}
			return it
		}
	}
	entries := iterate(func(name, value string) interface{} {
		return r.NewArray(name, value)
	})
	e.method(proto, "entries", entries)
	e.method(proto, "keys", iterate(func(name, _ string) interface{} { return name }))
	e.method(proto, "values", iterate(func(_, value string) interface{} { return value }))
	if e.syncIter != nil {
		_ = proto.SetSymbol(e.syncIter, entries)
	}
	return ctor
}

// newHeaders wraps h in a Headers object.
func (e *env) newHeaders(h *message.Headers) *goja.Object {
	return e.wrap(e.headersProto, h)
}

// toHeaders converts a HeadersInit: another Headers, an array of pairs or
// a record of names to values.
func (e *env) toHeaders(v goja.Value) (*message.Headers, error) {
	h := message.NewHeaders()
	if isNullish(v) {
		return h, nil
	}
	if other, ok := e.unwrap(v).(*message.Headers); ok {
		return other.Clone(), nil
	}
	o, ok := v.(*goja.Object)
	if !ok {
		return nil, errkind.Errorf(errkind.InvalidHeader, "headers", "cannot convert %s to headers", v.String())
	}
	if o.ClassName() == "Array" {
		var pairs [][]string
		if err := e.r.ExportTo(o, &pairs); err != nil {
			return nil, errkind.New(errkind.InvalidHeader, "headers", err)
		}
		for _, p := range pairs {
			if len(p) != 2 {
				return nil, errkind.Errorf(errkind.InvalidHeader, "headers", "header pairs must have exactly two items")
			}
			if err := h.Append(p[0], p[1]); err != nil {
				return nil, err
			}
		}
		return h, nil
	}
	for _, k := range o.Keys() {
		if err := h.Append(k, o.Get(k).String()); err != nil {
			return nil, err
		}
	}
	return h, nil
}
