// Package message holds the request and response values exchanged with the
// HTTP client.
package message // import "code.dopame.me/veonik/klaver/message"

import (
	"context"
	"net/url"
	"sync"

	"code.dopame.me/veonik/klaver/cancel"
	"code.dopame.me/veonik/klaver/errkind"
	"code.dopame.me/veonik/klaver/stream"
)

// RequestInit holds the optional parts of a Request.
type RequestInit struct {
	// Method defaults to GET.
	Method string
	// Headers are copied into the Request.
	Headers *Headers
	// Body is not allowed for GET and HEAD.
	Body BodyInit
	// Token, if set, cancels the request when cancelled.
	Token *cancel.Token
}

// A Request is an outgoing HTTP request. Apart from its body, a Request does
// not change after it is constructed.
type Request struct {
	url     *url.URL
	method  Method
	headers *Headers
	token   *cancel.Token

	body *stream.Body
	sent bool
	mu   sync.Mutex

	onDone []func()
	done   bool
}

// ParseURL parses s as an absolute http or https URL.
func ParseURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, errkind.New(errkind.InvalidURL, "parse url", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, errkind.Errorf(errkind.InvalidURL, "parse url", "%q is not an absolute url", s)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errkind.Errorf(errkind.InvalidURL, "parse url", "unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		return nil, errkind.Errorf(errkind.InvalidURL, "parse url", "credentials are not allowed in %q", u.Redacted())
	}
	return u, nil
}

// NewRequest validates its arguments and returns a new Request.
func NewRequest(rawURL string, init *RequestInit) (*Request, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if init == nil {
		init = &RequestInit{}
	}
	m, err := ParseMethod(init.Method)
	if err != nil {
		return nil, err
	}
	return newRequest(u, m, init.Headers.Clone(), init.Body, init.Token)
}

func newRequest(u *url.URL, m Method, h *Headers, bi BodyInit, tok *cancel.Token) (*Request, error) {
	body, ct, err := bi.build()
	if err != nil {
		return nil, err
	}
	if body != nil && !m.AllowsBody() {
		return nil, errkind.Errorf(errkind.InvalidBody, "new request", "%s request cannot have a body", m)
	}
	if ct != "" && !h.Has("content-type") {
		if err := h.Set("content-type", ct); err != nil {
			return nil, err
		}
	}
	return &Request{url: u, method: m, headers: h, body: body, token: tok}, nil
}

// Derive returns a new Request based on r with the non-zero fields of init
// applied. Without a replacement body, the new Request takes over r's body.
func (r *Request) Derive(init *RequestInit) (*Request, error) {
	if init == nil {
		init = &RequestInit{}
	}
	m := r.method
	if init.Method != "" {
		var err error
		if m, err = ParseMethod(init.Method); err != nil {
			return nil, err
		}
	}
	h := r.headers
	if init.Headers != nil {
		h = init.Headers
	}
	bi := init.Body
	if bi.IsZero() {
		r.mu.Lock()
		if r.body != nil {
			bi = StreamBody(r.body)
		}
		r.mu.Unlock()
	}
	tok := r.token
	if init.Token != nil {
		tok = init.Token
	}
	u := *r.url
	return newRequest(&u, m, h.Clone(), bi, tok)
}

// URL returns a copy of the request URL.
func (r *Request) URL() *url.URL {
	u := *r.url
	return &u
}

func (r *Request) Method() Method {
	return r.method
}

// Headers returns the request headers. They must not be modified once the
// request has been sent.
func (r *Request) Headers() *Headers {
	return r.headers
}

// Token returns the cancellation token bound to the request, if any.
func (r *Request) Token() *cancel.Token {
	return r.token
}

// Body returns the request body, or nil if the request has none.
func (r *Request) Body() *stream.Body {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}

// BodyUsed reports whether the body has been read.
func (r *Request) BodyUsed() bool {
	b := r.Body()
	return b != nil && b.Used()
}

// Text drains the request body as text.
func (r *Request) Text(ctx context.Context) (string, error) {
	b := r.Body()
	if b == nil {
		b = stream.Empty()
	}
	return b.Text(ctx)
}

// Bytes drains the request body.
func (r *Request) Bytes(ctx context.Context) ([]byte, error) {
	b := r.Body()
	if b == nil {
		b = stream.Empty()
	}
	return b.Bytes(ctx)
}

// JSON drains the request body and unmarshals it into v.
func (r *Request) JSON(ctx context.Context, v interface{}) error {
	b := r.Body()
	if b == nil {
		b = stream.Empty()
	}
	return b.JSON(ctx, v)
}

// MarkSent records that the request is being sent and returns its body.
// A Request may be sent once; afterward MarkSent fails with AlreadyUsed.
func (r *Request) MarkSent() (*stream.Body, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return nil, errkind.Errorf(errkind.AlreadyUsed, "send", "request has already been sent")
	}
	if r.body != nil && (r.body.Used() || r.body.Locked()) {
		return nil, errkind.Errorf(errkind.AlreadyUsed, "send", "request body has already been read")
	}
	r.sent = true
	return r.body, nil
}

// OnDone registers fn to run once the exchange that sent r has ended: the
// response body was read to its end or abandoned, or the send failed. If
// that has already happened fn runs immediately.
func (r *Request) OnDone(fn func()) {
	r.mu.Lock()
	if !r.done {
		r.onDone = append(r.onDone, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}

// Done runs the functions registered with OnDone. Senders call it when the
// exchange for r ends; calls after the first do nothing.
func (r *Request) Done() {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	fns := r.onDone
	r.onDone = nil
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Clone returns an independent copy of r. The unconsumed body is split so
// that both requests can be sent. Cloning a sent request fails.
func (r *Request) Clone() (*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return nil, errkind.Errorf(errkind.AlreadyUsed, "clone", "request has already been sent")
	}
	u := *r.url
	c := &Request{url: &u, method: r.method, headers: r.headers.Clone(), token: r.token}
	if r.body != nil {
		mine, theirs, err := r.body.Tee()
		if err != nil {
			return nil, err
		}
		r.body = mine
		c.body = theirs
	}
	return c, nil
}
