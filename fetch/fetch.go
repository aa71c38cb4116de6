// Package fetch is a convenience layer over client.Client that accepts a
// URL or an existing Request along with optional overrides.
package fetch // import "code.dopame.me/veonik/klaver/fetch"

import (
	"context"
	"net/url"

	"github.com/pkg/errors"

	"code.dopame.me/veonik/klaver/cancel"
	"code.dopame.me/veonik/klaver/errkind"
	"code.dopame.me/veonik/klaver/message"
)

// A Sender sends a Request and returns once the response headers arrive.
// It calls the Request's Done method when the exchange ends.
// *client.Client is a Sender.
type Sender interface {
	Send(ctx context.Context, req *message.Request) (*message.Response, error)
}

// A Signal is an external cancellation source. *cancel.Token is a Signal.
type Signal interface {
	OnCancel(fn func(reason error)) (stop func() bool)
}

// Init holds the overrides applied to a fetch.
type Init struct {
	Method  string
	Headers *message.Headers
	// Body replaces the request body when it is not the zero BodyInit.
	Body   message.BodyInit
	Signal Signal
}

// An Option configures a Fetcher.
type Option func(*Fetcher) error

// WithBaseURL sets the URL that relative inputs are resolved against.
func WithBaseURL(base string) Option {
	return func(f *Fetcher) error {
		if base == "" {
			f.base = nil
			return nil
		}
		u, err := message.ParseURL(base)
		if err != nil {
			return errors.WithMessage(err, "fetch: invalid base url")
		}
		f.base = u
		return nil
	}
}

// A Fetcher builds Requests and hands them to its Sender.
type Fetcher struct {
	client Sender
	base   *url.URL
}

// New returns a Fetcher that sends requests with client.
func New(client Sender, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{client: client}
	for _, o := range opts {
		if err := o(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// BaseURL returns the configured base URL, or nil.
func (f *Fetcher) BaseURL() *url.URL {
	if f.base == nil {
		return nil
	}
	u := *f.base
	return &u
}

// Resolve returns the absolute form of rawURL.
func (f *Fetcher) Resolve(rawURL string) (string, error) {
	if f.base == nil {
		return rawURL, nil
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", errkind.New(errkind.InvalidURL, "fetch", err)
	}
	return f.base.ResolveReference(ref).String(), nil
}

// bridge arranges for sig to cancel a fresh Token. The returned stop func
// detaches the Token from sig.
func bridge(sig Signal) (*cancel.Token, func() bool) {
	tok := cancel.New()
	if sig == nil {
		return tok, func() bool { return false }
	}
	return tok, sig.OnCancel(func(reason error) {
		tok.Cancel(reason)
	})
}

// send hands req to the Sender, keeping the bridge to the caller's signal
// only for as long as the exchange lasts.
func (f *Fetcher) send(ctx context.Context, req *message.Request, stop func() bool) (*message.Response, error) {
	req.OnDone(func() {
		stop()
	})
	resp, err := f.client.Send(ctx, req)
	if err != nil {
		stop()
		return nil, err
	}
	return resp, nil
}

// Fetch sends a request for rawURL with the overrides in init.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, init *Init) (*message.Response, error) {
	if init == nil {
		init = &Init{}
	}
	abs, err := f.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	tok, stop := bridge(init.Signal)
	req, err := message.NewRequest(abs, &message.RequestInit{
		Method:  init.Method,
		Headers: init.Headers,
		Body:    init.Body,
		Token:   tok,
	})
	if err != nil {
		stop()
		return nil, err
	}
	return f.send(ctx, req, stop)
}

// FetchRequest sends a copy of req with the overrides in init. The copy
// takes over req's body unless init replaces it. A Signal in init takes
// the place of req's Token.
func (f *Fetcher) FetchRequest(ctx context.Context, req *message.Request, init *Init) (*message.Response, error) {
	if init == nil {
		init = &Init{}
	}
	var sig Signal = init.Signal
	if sig == nil {
		if t := req.Token(); t != nil {
			sig = t
		}
	}
	tok, stop := bridge(sig)
	derived, err := req.Derive(&message.RequestInit{
		Method:  init.Method,
		Headers: init.Headers,
		Body:    init.Body,
		Token:   tok,
	})
	if err != nil {
		stop()
		return nil, err
	}
	return f.send(ctx, derived, stop)
}
