package webapi

import (
	"github.com/dop251/goja"
	"github.com/goccy/go-json"

	"code.dopame.me/veonik/klaver/errkind"
	"code.dopame.me/veonik/klaver/message"
	"code.dopame.me/veonik/klaver/stream"
)

type requestObj struct {
	req     *message.Request
	sig     *signal
	headers *goja.Object
	body    *goja.Object
	bodyFor *stream.Body
}

type responseObj struct {
	res     *message.Response
	headers *goja.Object
	body    *goja.Object
	bodyFor *stream.Body
}

// requestInit is a parsed RequestInit dictionary.
type requestInit struct {
	method  string
	headers *message.Headers
	body    message.BodyInit
	sig     *signal
}

func (e *env) requestInit(v goja.Value) (*requestInit, error) {
	ri := &requestInit{}
	if isNullish(v) {
		return ri, nil
	}
	if m := e.field(v, "method"); m != nil {
		ri.method = m.String()
	}
	if h := e.field(v, "headers"); h != nil {
		hs, err := e.toHeaders(h)
		if err != nil {
			return nil, err
		}
		ri.headers = hs
	}
	if b := e.field(v, "body"); b != nil {
		bi, err := e.bodyInit(b)
		if err != nil {
			return nil, err
		}
		ri.body = bi
	}
	for _, name := range []string{"signal", "cancel"} {
		sv := e.field(v, name)
		if sv == nil {
			continue
		}
		s, ok := e.toSignal(sv)
		if !ok {
			return nil, errkind.Errorf(errkind.InvalidBody, "request", "%s must be an AbortSignal or Cancel", name)
		}
		ri.sig = s
		break
	}
	return ri, nil
}

// newRequest implements the Request constructor.
func (e *env) newRequest(input, init goja.Value) (*requestObj, error) {
	ri, err := e.requestInit(init)
	if err != nil {
		return nil, err
	}
	if base, ok := e.unwrap(input).(*requestObj); ok {
		sig := ri.sig
		if sig == nil {
			sig = base.sig
		}
		req, err := base.req.Derive(&message.RequestInit{
			Method:  ri.method,
			Headers: ri.headers,
			Body:    ri.body,
			Token:   sig.tok,
		})
		if err != nil {
			return nil, err
		}
		return &requestObj{req: req, sig: sig}, nil
	}
	abs, err := e.host.fetcher.Resolve(input.String())
	if err != nil {
		return nil, err
	}
	sig := ri.sig
	if sig == nil {
		sig = newSignal()
	}
	req, err := message.NewRequest(abs, &message.RequestInit{
		Method:  ri.method,
		Headers: ri.headers,
		Body:    ri.body,
		Token:   sig.tok,
	})
	if err != nil {
		return nil, err
	}
	return &requestObj{req: req, sig: sig}, nil
}

func (e *env) requestClass() *goja.Object {
	r := e.r
	ctor, proto := e.class(func(call goja.ConstructorCall) *goja.Object {
		ro, err := e.newRequest(call.Argument(0), call.Argument(1))
		if err != nil {
			e.throw(err)
		}
		e.attach(call.This, ro)
		return nil
	})
	e.requestProto = proto
	this := func(v goja.Value) *requestObj {
		ro, ok := e.unwrap(v).(*requestObj)
		if !ok {
			panic(r.NewTypeError("Illegal invocation"))
		}
		return ro
	}
	e.getter(proto, "url", func(v goja.Value) goja.Value {
		return r.ToValue(this(v).req.URL().String())
	})
	e.getter(proto, "method", func(v goja.Value) goja.Value {
		return r.ToValue(this(v).req.Method().String())
	})
	e.getter(proto, "headers", func(v goja.Value) goja.Value {
		ro := this(v)
		if ro.headers == nil {
			ro.headers = e.newHeaders(ro.req.Headers())
		}
		return ro.headers
	})
	e.getter(proto, "signal", func(v goja.Value) goja.Value {
		return e.signalObject(this(v).sig)
	})
	e.getter(proto, "body", func(v goja.Value) goja.Value {
		ro := this(v)
		b := ro.req.Body()
		if b == nil {
			return goja.Null()
		}
		if ro.bodyFor != b {
			ro.body, ro.bodyFor = e.newBody(b), b
		}
		return ro.body
	})
	e.bodyMethods(proto, func(v goja.Value) *stream.Body {
		return this(v).req.Body()
	})
	e.method(proto, "clone", func(call goja.FunctionCall) goja.Value {
		ro := this(call.This)
		c, err := ro.req.Clone()
		if err != nil {
			e.throw(err)
		}
		return e.wrap(e.requestProto, &requestObj{req: c, sig: ro.sig})
	})
	return ctor
}

// responseInit parses a ResponseInit dictionary.
func (e *env) responseInit(v goja.Value) (*message.ResponseInit, error) {
	ri := &message.ResponseInit{}
	if s := e.field(v, "status"); s != nil {
		ri.Status = int(s.ToInteger())
	}
	if s := e.field(v, "statusText"); s != nil {
		ri.StatusText = s.String()
	}
	if h := e.field(v, "headers"); h != nil {
		hs, err := e.toHeaders(h)
		if err != nil {
			return nil, err
		}
		ri.Headers = hs
	}
	return ri, nil
}

// newResponse wraps res in a Response object.
func (e *env) newResponse(res *message.Response) *goja.Object {
	return e.wrap(e.responseProto, &responseObj{res: res})
}

func (e *env) responseClass() *goja.Object {
	r := e.r
	ctor, proto := e.class(func(call goja.ConstructorCall) *goja.Object {
		bi, err := e.bodyInit(call.Argument(0))
		if err != nil {
			e.throw(err)
		}
		ri, err := e.responseInit(call.Argument(1))
		if err != nil {
			e.throw(err)
		}
		res, err := message.NewResponse(bi, ri)
		if err != nil {
			if errkind.KindOf(err) == errkind.Unknown {
				panic(r.NewTypeError("%s", err.Error()))
			}
			e.throw(err)
		}
		e.attach(call.This, &responseObj{res: res})
		return nil
	})
	e.responseProto = proto
	_ = ctor.Set("json", func(call goja.FunctionCall) goja.Value {
		p, err := json.Marshal(call.Argument(0).Export())
		if err != nil {
			panic(r.NewTypeError("Response.json: %s", err.Error()))
		}
		ri, err := e.responseInit(call.Argument(1))
		if err != nil {
			e.throw(err)
		}
		res, err := message.NewResponse(message.BytesBody(p).WithContentType("application/json"), ri)
		if err != nil {
			panic(r.NewTypeError("%s", err.Error()))
		}
		return e.newResponse(res)
	})

	this := func(v goja.Value) *responseObj {
		ro, ok := e.unwrap(v).(*responseObj)
		if !ok {
			panic(r.NewTypeError("Illegal invocation"))
		}
		return ro
	}
	e.getter(proto, "status", func(v goja.Value) goja.Value {
		return r.ToValue(this(v).res.Status())
	})
	e.getter(proto, "statusText", func(v goja.Value) goja.Value {
		return r.ToValue(this(v).res.StatusText())
	})
	e.getter(proto, "ok", func(v goja.Value) goja.Value {
		return r.ToValue(this(v).res.OK())
	})
	e.getter(proto, "url", func(v goja.Value) goja.Value {
		return r.ToValue(this(v).res.URL())
	})
	e.getter(proto, "type", func(v goja.Value) goja.Value {
		if this(v).res.URL() == "" {
			return r.ToValue("default")
		}
		return r.ToValue("basic")
	})
	e.getter(proto, "redirected", func(goja.Value) goja.Value {
		return r.ToValue(false)
	})
	e.getter(proto, "headers", func(v goja.Value) goja.Value {
		ro := this(v)
		if ro.headers == nil {
			ro.headers = e.newHeaders(ro.res.Headers())
		}
		return ro.headers
	})
	e.getter(proto, "body", func(v goja.Value) goja.Value {
		ro := this(v)
		b := ro.res.Body()
		if ro.bodyFor != b {
			ro.body, ro.bodyFor = e.newBody(b), b
		}
		return ro.body
	})
	e.method(proto, "stream", func(call goja.FunctionCall) goja.Value {
		return call.This.ToObject(r).Get("body")
	})
	e.bodyMethods(proto, func(v goja.Value) *stream.Body {
		return this(v).res.Body()
	})
	e.method(proto, "clone", func(call goja.FunctionCall) goja.Value {
		c, err := this(call.This).res.Clone()
		if err != nil {
			e.throw(err)
		}
		return e.newResponse(c)
	})
	return ctor
}
