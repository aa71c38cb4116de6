package webapi

import (
	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"code.dopame.me/veonik/klaver/errkind"
	"code.dopame.me/veonik/klaver/fetch"
	"code.dopame.me/veonik/klaver/message"
)

// fetchFunc returns a fetch function that sends through f.
func (e *env) fetchFunc(f *fetch.Fetcher) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		return e.doFetch(f, call.Argument(0), call.Argument(1), "")
	}
}

// doFetch starts a fetch and returns a promise for its Response. Argument
// errors reject the promise rather than throw. A non-empty method takes
// precedence over init.
func (e *env) doFetch(f *fetch.Fetcher, input, init goja.Value, method string) goja.Value {
	d := e.deferred()
	ri, err := e.requestInit(init)
	if err != nil {
		d.Reject(err)
		return e.r.ToValue(d.Promise)
	}
	if method != "" {
		ri.method = method
	}
	fi := &fetch.Init{Method: ri.method, Headers: ri.headers, Body: ri.body}
	if ri.sig != nil {
		fi.Signal = ri.sig.tok
	}
	ro, isReq := e.unwrap(input).(*requestObj)
	var raw string
	if isReq {
		raw = ro.req.URL().String()
		if fi.Method == "" {
			fi.Method = ro.req.Method().String()
		}
	} else {
		raw = input.String()
	}
	go func() {
		var res *message.Response
		var err error
		if isReq {
			res, err = f.FetchRequest(e.ctx, ro.req, fi)
		} else {
			res, err = f.Fetch(e.ctx, raw, fi)
		}
		e.observe(fi.Method, raw, res, err)
		d.Settle(func(*goja.Runtime) (interface{}, error) {
			if err != nil {
				return nil, err
			}
			return e.newResponse(res), nil
		})
	}()
	return e.r.ToValue(d.Promise)
}

// send hands an existing Request object to the client.
func (e *env) send(v goja.Value) goja.Value {
	d := e.deferred()
	ro, ok := e.unwrap(v).(*requestObj)
	if !ok {
		d.Reject(errkind.Errorf(errkind.InvalidURL, "send", "expected a Request"))
		return e.r.ToValue(d.Promise)
	}
	go func() {
		res, err := e.host.client.Send(e.ctx, ro.req)
		e.observe(ro.req.Method().String(), ro.req.URL().String(), res, err)
		d.Settle(func(*goja.Runtime) (interface{}, error) {
			if err != nil {
				return nil, err
			}
			return e.newResponse(res), nil
		})
	}()
	return e.r.ToValue(d.Promise)
}

// observe logs the outcome of a request and emits the matching event.
func (e *env) observe(method, url string, res *message.Response, err error) {
	if method == "" {
		method = message.MethodGet.String()
	}
	if err != nil {
		kind := errkind.KindOf(err)
		if kind == errkind.Cancelled {
			logrus.Debugf("webapi: %s %s cancelled", method, url)
		} else {
			logrus.Warnf("webapi: %s %s failed: %s", method, url, err)
		}
		e.host.emit("fetch.error", map[string]interface{}{
			"method": method,
			"url":    url,
			"kind":   kind.Ident(),
			"error":  err.Error(),
		})
		return
	}
	logrus.Debugf("webapi: %s %s -> %d", method, url, res.Status())
	e.host.emit("fetch.response", map[string]interface{}{
		"method": method,
		"url":    url,
		"status": res.Status(),
	})
}

// clientClass returns the Client constructor of @klaver/http.
//
//	const {Client} = require('@klaver/http');
//	const c = new Client({baseUrl: 'https://example.com/api/'});
//	const res = await c.get('status');
func (e *env) clientClass() *goja.Object {
	if e.clientCtor != nil {
		return e.clientCtor
	}
	r := e.r
	ctor, proto := e.class(func(call goja.ConstructorCall) *goja.Object {
		var opts []fetch.Option
		if b := e.host.fetcher.BaseURL(); b != nil {
			opts = append(opts, fetch.WithBaseURL(b.String()))
		}
		if b := e.field(call.Argument(0), "baseUrl"); b != nil {
			opts = append(opts, fetch.WithBaseURL(b.String()))
		}
		f, err := fetch.New(e.host.client, opts...)
		if err != nil {
			panic(r.NewTypeError("%s", err.Error()))
		}
		e.attach(call.This, f)
		return nil
	})
	e.clientCtor, e.clientProto = ctor, proto
	this := func(v goja.Value) *fetch.Fetcher {
		f, ok := e.unwrap(v).(*fetch.Fetcher)
		if !ok {
			panic(r.NewTypeError("Illegal invocation"))
		}
		return f
	}
	e.method(proto, "fetch", func(call goja.FunctionCall) goja.Value {
		return e.doFetch(this(call.This), call.Argument(0), call.Argument(1), "")
	})
	e.method(proto, "get", func(call goja.FunctionCall) goja.Value {
		return e.doFetch(this(call.This), call.Argument(0), call.Argument(1), message.MethodGet.String())
	})
	e.method(proto, "send", func(call goja.FunctionCall) goja.Value {
		this(call.This)
		return e.send(call.Argument(0))
	})
	e.getter(proto, "baseUrl", func(v goja.Value) goja.Value {
		if b := this(v).BaseURL(); b != nil {
			return r.ToValue(b.String())
		}
		return goja.Null()
	})
	e.method(proto, "stats", func(call goja.FunctionCall) goja.Value {
		this(call.This)
		st := e.host.client.Stats()
		o := r.NewObject()
		_ = o.Set("open", st.Open)
		_ = o.Set("idle", st.Idle)
		return o
	})
	e.method(proto, "closeIdle", func(call goja.FunctionCall) goja.Value {
		this(call.This)
		if err := e.host.client.CloseIdle(); err != nil {
			logrus.Debugln("webapi: error closing idle connections:", err)
		}
		return goja.Undefined()
	})
	return ctor
}
