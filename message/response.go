package message

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"code.dopame.me/veonik/klaver/errkind"
	"code.dopame.me/veonik/klaver/stream"
)

// ResponseInit holds the optional parts of an application-constructed
// Response.
type ResponseInit struct {
	// Status defaults to 200.
	Status     int
	StatusText string
	Headers    *Headers
}

// A Response is an HTTP response. Its status and headers are fixed when it
// is created; its body streams on demand.
type Response struct {
	url        string
	status     int
	statusText string
	headers    *Headers

	body *stream.Body
	mu   sync.Mutex
}

func nullBodyStatus(status int) bool {
	return status == 101 || status == 204 || status == 205 || status == 304
}

// NewResponse builds a Response locally, for instance to mock a server.
func NewResponse(bi BodyInit, init *ResponseInit) (*Response, error) {
	if init == nil {
		init = &ResponseInit{}
	}
	status := init.Status
	if status == 0 {
		status = 200
	}
	if status < 200 || status > 599 {
		return nil, errors.Errorf("message: status %d is outside the range 200 to 599", status)
	}
	body, ct, err := bi.build()
	if err != nil {
		return nil, err
	}
	if body != nil && nullBodyStatus(status) {
		return nil, errkind.Errorf(errkind.InvalidBody, "new response", "status %d cannot have a body", status)
	}
	h := init.Headers.Clone()
	if ct != "" && !h.Has("content-type") {
		if err := h.Set("content-type", ct); err != nil {
			return nil, err
		}
	}
	if body == nil {
		body = stream.Empty()
	}
	return &Response{status: status, statusText: init.StatusText, headers: h, body: body}, nil
}

// Received returns a Response for a message read off the wire.
func Received(url string, status int, statusText string, headers *Headers, body *stream.Body) *Response {
	if body == nil {
		body = stream.Empty()
	}
	if headers == nil {
		headers = NewHeaders()
	}
	return &Response{url: url, status: status, statusText: statusText, headers: headers, body: body}
}

// URL returns the URL the response was received from, or "" for local
// responses.
func (r *Response) URL() string {
	return r.url
}

func (r *Response) Status() int {
	return r.status
}

func (r *Response) StatusText() string {
	return r.statusText
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r.status >= 200 && r.status < 300
}

func (r *Response) Headers() *Headers {
	return r.headers
}

// Body returns the response body. It is never nil.
func (r *Response) Body() *stream.Body {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}

// BodyUsed reports whether the body has been read or cancelled.
func (r *Response) BodyUsed() bool {
	return r.Body().Used()
}

func (r *Response) Text(ctx context.Context) (string, error) {
	return r.Body().Text(ctx)
}

func (r *Response) Bytes(ctx context.Context) ([]byte, error) {
	return r.Body().Bytes(ctx)
}

func (r *Response) JSON(ctx context.Context, v interface{}) error {
	return r.Body().JSON(ctx, v)
}

// Clone returns a copy of r whose body is read independently.
func (r *Response) Clone() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mine, theirs, err := r.body.Tee()
	if err != nil {
		return nil, err
	}
	r.body = mine
	return &Response{
		url:        r.url,
		status:     r.status,
		statusText: r.statusText,
		headers:    r.headers.Clone(),
		body:       theirs,
	}, nil
}
