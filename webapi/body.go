package webapi

import (
	"context"

	"github.com/dop251/goja"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"code.dopame.me/veonik/klaver/cancel"
	"code.dopame.me/veonik/klaver/errkind"
	"code.dopame.me/veonik/klaver/message"
	"code.dopame.me/veonik/klaver/stream"
)

// reader is the state behind a body reader object. Reads are chained so
// that their promises settle in the order read was called.
type reader struct {
	rd   *stream.Reader
	last chan struct{}
}

func (e *env) bodyClasses() {
	r := e.r
	e.bodyProto = r.NewObject()
	e.readerProto = r.NewObject()

	body := func(v goja.Value) *stream.Body {
		b, ok := e.unwrap(v).(*stream.Body)
		if !ok {
			panic(r.NewTypeError("Illegal invocation"))
		}
		return b
	}
	lock := func(b *stream.Body) *reader {
		rd, err := b.Lock()
		if err != nil {
			e.throw(err)
		}
		last := make(chan struct{})
		close(last)
		return &reader{rd: rd, last: last}
	}
	e.getter(e.bodyProto, "locked", func(v goja.Value) goja.Value {
		return r.ToValue(body(v).Locked())
	})
	e.method(e.bodyProto, "getReader", func(call goja.FunctionCall) goja.Value {
		return e.wrap(e.readerProto, lock(body(call.This)))
	})
	e.method(e.bodyProto, "cancel", func(call goja.FunctionCall) goja.Value {
		b := body(call.This)
		d := e.deferred()
		if b.Locked() {
			d.Reject(errkind.Errorf(errkind.Locked, "cancel", "body is locked to a reader"))
		} else {
			_ = b.Cancel(fromJS(call.Argument(0), errkind.Cancelled, "cancel"))
			d.Resolve(goja.Undefined())
		}
		return r.ToValue(d.Promise)
	})
	_ = e.bodyProto.SetSymbol(e.asyncIter, func(call goja.FunctionCall) goja.Value {
		return e.iterator(lock(body(call.This)))
	})

	rdr := func(v goja.Value) *reader {
		rd, ok := e.unwrap(v).(*reader)
		if !ok {
			panic(r.NewTypeError("Illegal invocation"))
		}
		return rd
	}
	e.method(e.readerProto, "read", func(call goja.FunctionCall) goja.Value {
		return e.read(rdr(call.This), false)
	})
	e.method(e.readerProto, "releaseLock", func(call goja.FunctionCall) goja.Value {
		rdr(call.This).rd.Release()
		return goja.Undefined()
	})
	e.method(e.readerProto, "cancel", func(call goja.FunctionCall) goja.Value {
		d := e.deferred()
		if err := rdr(call.This).rd.Cancel(fromJS(call.Argument(0), errkind.Cancelled, "cancel")); err != nil {
			d.Reject(err)
		} else {
			d.Resolve(goja.Undefined())
		}
		return r.ToValue(d.Promise)
	})
}

// newBody wraps b in a body object.
func (e *env) newBody(b *stream.Body) *goja.Object {
	return e.wrap(e.bodyProto, b)
}

// read returns a promise for the next {value, done} result of rd. When
// release is set the lock is given up once the body is exhausted.
func (e *env) read(rd *reader, release bool) goja.Value {
	d := e.deferred()
	prev := rd.last
	next := make(chan struct{})
	rd.last = next
	go func() {
		defer close(next)
		<-prev
		chunk, done, err := rd.rd.Read(e.ctx)
		if (done || err != nil) && release {
			rd.rd.Release()
		}
		d.Settle(func(r *goja.Runtime) (interface{}, error) {
			if err != nil {
				return nil, err
			}
			res := r.NewObject()
			_ = res.Set("done", done)
			if done {
				_ = res.Set("value", goja.Undefined())
			} else {
				_ = res.Set("value", e.bytes(chunk))
			}
			return res, nil
		})
	}()
	return e.r.ToValue(d.Promise)
}

// iterator returns an async iterator over the chunks of rd.
func (e *env) iterator(rd *reader) *goja.Object {
	r := e.r
	it := r.NewObject()
	_ = it.Set("next", func(goja.FunctionCall) goja.Value {
		return e.read(rd, true)
	})
	_ = it.Set("return", func(call goja.FunctionCall) goja.Value {
		d := e.deferred()
		_ = rd.rd.Cancel(errkind.Errorf(errkind.Cancelled, "body", "iteration stopped"))
		res := r.NewObject()
		_ = res.Set("done", true)
		_ = res.Set("value", call.Argument(0))
		d.Resolve(res)
		return r.ToValue(d.Promise)
	})
	_ = it.SetSymbol(e.asyncIter, func(call goja.FunctionCall) goja.Value {
		return call.This
	})
	return it
}

// consume runs drain on b off the loop and settles the returned promise with
// conv applied to its result.
func (e *env) consume(b *stream.Body, drain func(ctx context.Context, b *stream.Body) (interface{}, error), conv func(r *goja.Runtime, v interface{}) (interface{}, error)) goja.Value {
	d := e.deferred()
	if b == nil {
		b = stream.Empty()
	}
	go func() {
		v, err := drain(e.ctx, b)
		d.Settle(func(r *goja.Runtime) (interface{}, error) {
			if err != nil {
				return nil, err
			}
			return conv(r, v)
		})
	}()
	return e.r.ToValue(d.Promise)
}

func drainText(ctx context.Context, b *stream.Body) (interface{}, error) {
	return b.Text(ctx)
}

func drainJSON(ctx context.Context, b *stream.Body) (interface{}, error) {
	var raw json.RawMessage
	if err := b.JSON(ctx, &raw); err != nil {
		return nil, err
	}
	return string(raw), nil
}

func drainBytes(ctx context.Context, b *stream.Body) (interface{}, error) {
	return b.Bytes(ctx)
}

// bodyMethods defines the Body mixin on proto. get returns the current body
// of this, which may be nil.
func (e *env) bodyMethods(proto *goja.Object, get func(this goja.Value) *stream.Body) {
	r := e.r
	e.getter(proto, "bodyUsed", func(v goja.Value) goja.Value {
		b := get(v)
		return r.ToValue(b != nil && b.Used())
	})
	e.method(proto, "text", func(call goja.FunctionCall) goja.Value {
		return e.consume(get(call.This), drainText, func(_ *goja.Runtime, v interface{}) (interface{}, error) {
			return v, nil
		})
	})
	e.method(proto, "json", func(call goja.FunctionCall) goja.Value {
		return e.consume(get(call.This), drainJSON, func(r *goja.Runtime, v interface{}) (interface{}, error) {
			return e.jsonParse(goja.Undefined(), r.ToValue(v))
		})
	})
	e.method(proto, "arrayBuffer", func(call goja.FunctionCall) goja.Value {
		return e.consume(get(call.This), drainBytes, func(r *goja.Runtime, v interface{}) (interface{}, error) {
			return r.NewArrayBuffer(v.([]byte)), nil
		})
	})
	e.method(proto, "bytes", func(call goja.FunctionCall) goja.Value {
		return e.consume(get(call.This), drainBytes, func(_ *goja.Runtime, v interface{}) (interface{}, error) {
			return e.bytes(v.([]byte)), nil
		})
	})
}

// bodyInit converts a javascript body: a string, an ArrayBuffer or view, a
// body object, or any iterable or async iterable of chunks.
func (e *env) bodyInit(v goja.Value) (message.BodyInit, error) {
	if isNullish(v) {
		return message.BodyInit{}, nil
	}
	o, ok := v.(*goja.Object)
	if !ok {
		return message.TextBody(v.String()), nil
	}
	if b, ok := e.unwrap(o).(*stream.Body); ok {
		return message.StreamBody(b), nil
	}
	if p, ok := e.bufferBytes(o); ok {
		return message.BytesBody(p), nil
	}
	if e.iterable(o) {
		return message.SourceBody(&iterSource{e: e, iterable: o}), nil
	}
	return message.TextBody(v.String()), nil
}

func (e *env) iterable(o *goja.Object) bool {
	for _, sym := range []*goja.Symbol{e.asyncIter, e.syncIter} {
		if sym == nil {
			continue
		}
		if _, ok := goja.AssertFunction(o.GetSymbol(sym)); ok {
			return true
		}
	}
	return false
}

// bufferBytes returns the bytes viewed by an ArrayBuffer, typed array or
// DataView.
func (e *env) bufferBytes(o *goja.Object) ([]byte, bool) {
	switch x := o.Export().(type) {
	case goja.ArrayBuffer:
		return x.Bytes(), true
	case []byte:
		return x, true
	}
	buf := o.Get("buffer")
	if isNullish(buf) {
		return nil, false
	}
	ab, ok := buf.Export().(goja.ArrayBuffer)
	if !ok {
		return nil, false
	}
	off := o.Get("byteOffset").ToInteger()
	n := o.Get("byteLength").ToInteger()
	p := ab.Bytes()
	if off < 0 || n < 0 || off+n > int64(len(p)) {
		return nil, false
	}
	return p[off : off+n], true
}

// chunk converts a value yielded by a body iterator.
func (e *env) chunk(v goja.Value) ([]byte, error) {
	if o, ok := v.(*goja.Object); ok {
		if p, ok := e.bufferBytes(o); ok {
			return append([]byte(nil), p...), nil
		}
		return nil, errkind.Errorf(errkind.InvalidBody, "body", "chunks must be strings or byte arrays")
	}
	if isNullish(v) {
		return nil, errkind.Errorf(errkind.InvalidBody, "body", "chunks must be strings or byte arrays")
	}
	return []byte(v.String()), nil
}

// iterSource pulls chunks from a javascript iterable. Iteration runs on the
// event loop; Pull blocks the body's consumer until the next chunk arrives.
type iterSource struct {
	e        *env
	iterable *goja.Object
	iter     *goja.Object
	next     goja.Callable
}

type pulled struct {
	chunk []byte
	done  bool
	err   error
}

func (s *iterSource) step(r *goja.Runtime) (goja.Value, error) {
	if s.iter == nil {
		var fn goja.Callable
		for _, sym := range []*goja.Symbol{s.e.asyncIter, s.e.syncIter} {
			if sym == nil {
				continue
			}
			if f, ok := goja.AssertFunction(s.iterable.GetSymbol(sym)); ok {
				fn = f
				break
			}
		}
		if fn == nil {
			return nil, errkind.Errorf(errkind.InvalidBody, "body", "value is not iterable")
		}
		v, err := fn(s.iterable)
		if err != nil {
			return nil, err
		}
		it, ok := v.(*goja.Object)
		if !ok {
			return nil, errkind.Errorf(errkind.InvalidBody, "body", "iterator is not an object")
		}
		next, ok := goja.AssertFunction(it.Get("next"))
		if !ok {
			return nil, errkind.Errorf(errkind.InvalidBody, "body", "iterator has no next method")
		}
		s.iter, s.next = it, next
	}
	return s.next(s.iter)
}

func (s *iterSource) Pull(ctx context.Context, c *stream.Controller) error {
	ch := make(chan pulled, 1)
	s.e.host.vm.Do(func(r *goja.Runtime) {
		v, err := s.step(r)
		if err != nil {
			ch <- pulled{err: bodyError(err)}
			return
		}
		s.e.await(v, func(v goja.Value, err error) {
			if err != nil {
				ch <- pulled{err: bodyError(err)}
				return
			}
			res, ok := v.(*goja.Object)
			if !ok {
				ch <- pulled{err: errkind.Errorf(errkind.InvalidBody, "body", "iterator result is not an object")}
				return
			}
			if res.Get("done").ToBoolean() {
				ch <- pulled{done: true}
				return
			}
			s.e.await(res.Get("value"), func(v goja.Value, err error) {
				if err != nil {
					ch <- pulled{err: bodyError(err)}
					return
				}
				p, err := s.e.chunk(v)
				ch <- pulled{chunk: p, err: err}
			})
		})
	})
	select {
	case res := <-ch:
		switch {
		case res.err != nil:
			return res.err
		case res.done:
			return c.Close()
		}
		return c.Enqueue(res.chunk)
	case <-ctx.Done():
		return cancel.FromContext(ctx)
	case <-s.e.ctx.Done():
		return errkind.Errorf(errkind.Cancelled, "body", "vm stopped")
	}
}

// Cancel calls the iterator's return method, if it has one.
func (s *iterSource) Cancel(error) {
	s.e.host.vm.Do(func(*goja.Runtime) {
		if s.iter == nil {
			return
		}
		if ret, ok := goja.AssertFunction(s.iter.Get("return")); ok {
			_, _ = ret(s.iter)
		}
	})
}

// bodyError keeps the value thrown by javascript while classifying it as
// an invalid body.
func bodyError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return fromJS(ex.Value(), errkind.InvalidBody, "body")
	}
	return err
}
