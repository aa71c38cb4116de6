// Package client implements an HTTP/1.1 client whose requests can be
// cancelled at any point and whose response bodies are streamed.
//
// A Client keeps a pool of connections keyed by scheme, host and port. A
// connection goes back to the pool only after its response body has been
// read to the end; a request that fails or is cancelled closes it instead.
package client // import "code.dopame.me/veonik/klaver/client"

import (
	"context"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"

	"code.dopame.me/veonik/klaver/cancel"
	"code.dopame.me/veonik/klaver/errkind"
	"code.dopame.me/veonik/klaver/message"
	"code.dopame.me/veonik/klaver/stream"
)

const readBufferSize = 32 << 10

// A Client sends Requests. It is safe for concurrent use.
type Client struct {
	cfg  Config
	pool *pool
}

// New returns a Client configured by cfg.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	d, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:  cfg,
		pool: newPool(d.dial, cfg.MaxConnsPerHost, cfg.MaxIdlePerHost, cfg.IdleTimeout),
	}, nil
}

// Stats returns a snapshot of the connection pool.
func (c *Client) Stats() Stats {
	return c.pool.Stats()
}

// CloseIdle closes all idle connections.
func (c *Client) CloseIdle() error {
	return c.pool.closeIdle()
}

// Get sends a GET request for rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*message.Response, error) {
	req, err := message.NewRequest(rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, req)
}

// Send writes req and returns once the response headers have arrived. The
// response body is read lazily from the connection.
//
// The exchange is cancelled when req's Token is cancelled, when ctx is
// done, or when the configured Timeout elapses, whichever comes first. A
// cancellation before the headers arrive fails Send; afterward it fails
// the next read of the response body.
func (c *Client) Send(ctx context.Context, req *message.Request) (*message.Response, error) {
	body, err := req.MarkSent()
	if err != nil {
		return nil, err
	}
	ex := &exchange{client: c, req: req, tok: cancel.New()}
	ex.watch(ctx)
	resp, err := ex.roundTrip(ctx, body)
	if err != nil {
		ex.abandon()
		// a cancellation observer may be discarding the connection
		// concurrently; it is closed and uncounted before Send returns.
		ex.settled()
		if body != nil && !body.Locked() {
			_ = body.Cancel(err)
		}
		logrus.Debugf("client: %s %s failed: %s", req.Method(), req.URL().Redacted(), err)
		return nil, err
	}
	logrus.Debugf("client: %s %s -> %d", req.Method(), req.URL().Redacted(), resp.Status())
	return resp, nil
}

// asCancelled keeps timeouts and cancellations as they are and turns any
// other reason into a Cancelled error.
func asCancelled(reason error) error {
	switch errkind.KindOf(reason) {
	case errkind.Cancelled, errkind.Timeout:
		return reason
	}
	return errkind.New(errkind.Cancelled, "send", reason)
}

// An exchange is one request and its response on one connection.
type exchange struct {
	client *Client
	req    *message.Request
	// tok is cancelled by any of the sources that may end the exchange.
	tok *cancel.Token

	conn *poolConn
	// used is the connection checked out for the exchange, if any.
	used  *poolConn
	stops []func() bool
	once  sync.Once
	mu    sync.Mutex
}

func (ex *exchange) onStop(stop func() bool) {
	ex.mu.Lock()
	ex.stops = append(ex.stops, stop)
	ex.mu.Unlock()
}

// watch connects every cancellation source to ex.tok.
func (ex *exchange) watch(ctx context.Context) {
	tok := ex.tok
	if rt := ex.req.Token(); rt != nil {
		ex.onStop(rt.OnCancel(func(reason error) {
			tok.Cancel(asCancelled(reason))
		}))
	}
	ex.onStop(tok.Link(ctx))
	if d := ex.client.cfg.Timeout; d > 0 {
		ex.onStop(ex.client.cfg.Timer.AfterFunc(d, func() {
			tok.Cancel(errkind.Errorf(errkind.Timeout, "send", "request timed out after %s", d))
		}))
	}
}

func (ex *exchange) takeConn() *poolConn {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	c := ex.conn
	ex.conn = nil
	return c
}

// finish detaches the exchange from its cancellation sources and marks the
// request done.
func (ex *exchange) finish() {
	ex.once.Do(func() {
		ex.mu.Lock()
		stops := ex.stops
		ex.stops = nil
		ex.mu.Unlock()
		for _, stop := range stops {
			stop()
		}
		ex.req.Done()
	})
}

// complete ends a successful exchange, returning the connection to the
// pool if it can carry another request.
func (ex *exchange) complete(reusable bool) {
	if c := ex.takeConn(); c != nil {
		if reusable {
			c.release()
		} else {
			c.discard()
		}
	}
	ex.finish()
}

// abandon ends the exchange and closes its connection.
func (ex *exchange) abandon() {
	if c := ex.takeConn(); c != nil {
		c.discard()
	}
	ex.finish()
}

// settled waits for the exchange's connection to be given back.
func (ex *exchange) settled() {
	ex.mu.Lock()
	c := ex.used
	ex.mu.Unlock()
	if c != nil {
		c.wait()
	}
}

// fail returns the error to report for err, preferring the reason the
// exchange was cancelled.
func (ex *exchange) fail(err error) error {
	if reason := ex.tok.Err(); reason != nil {
		return reason
	}
	if errkind.KindOf(err) != errkind.Unknown {
		return err
	}
	var pe *protocolError
	if errors.As(err, &pe) {
		return errkind.New(errkind.ProtocolError, "send", err)
	}
	return errkind.New(errkind.ConnectionFailed, "send", err)
}

func (ex *exchange) roundTrip(ctx context.Context, body *stream.Body) (*message.Response, error) {
	if err := ex.tok.Err(); err != nil {
		return nil, err
	}
	u := ex.req.URL()
	key, err := keyFor(u)
	if err != nil {
		return nil, err
	}
	host, err := hostHeader(key, u)
	if err != nil {
		return nil, err
	}
	tctx, done := ex.tok.Context(ctx)
	defer done()

	conn, err := ex.client.pool.get(tctx, key)
	if err != nil {
		return nil, ex.fail(err)
	}
	ex.mu.Lock()
	ex.conn = conn
	ex.used = conn
	ex.mu.Unlock()
	ex.onStop(ex.tok.OnCancel(func(error) {
		ex.abandon()
	}))

	head := &requestHead{
		method:     ex.req.Method(),
		requestURI: u.RequestURI(),
		host:       host,
		headers:    ex.req.Headers(),
		userAgent:  ex.client.cfg.UserAgent,
	}
	if body != nil {
		head.body = true
		head.length = body.Length()
	}
	if err := writeHead(conn.bw, head); err != nil {
		return nil, ex.fail(err)
	}
	if body != nil {
		if err := ex.writeBody(tctx, conn, body, head.length); err != nil {
			return nil, ex.fail(err)
		}
	}
	if err := conn.bw.Flush(); err != nil {
		return nil, ex.fail(err)
	}
	return ex.readResponse(conn, key, u)
}

// writeBody copies body to the connection, chunked if its length is
// unknown.
func (ex *exchange) writeBody(ctx context.Context, conn *poolConn, body *stream.Body, length int64) error {
	rd, err := body.Lock()
	if err != nil {
		return err
	}
	var w io.Writer = conn.bw
	var cw *chunkedWriter
	if length < 0 {
		cw = &chunkedWriter{w: conn.bw}
		w = cw
	}
	var n int64
	for {
		chunk, eof, err := rd.Read(ctx)
		if err != nil {
			_ = rd.Cancel(err)
			if errkind.KindOf(err) != errkind.Unknown {
				return err
			}
			return errkind.New(errkind.InvalidBody, "send", err)
		}
		if eof {
			break
		}
		n += int64(len(chunk))
		if length >= 0 && n > length {
			_ = rd.Cancel(nil)
			return errkind.Errorf(errkind.InvalidBody, "send", "body is longer than its declared length %d", length)
		}
		if _, err := w.Write(chunk); err != nil {
			_ = rd.Cancel(err)
			return err
		}
	}
	rd.Release()
	if cw != nil {
		return cw.Close()
	}
	if n != length {
		return errkind.Errorf(errkind.InvalidBody, "send", "body is %d bytes, declared length %d", n, length)
	}
	return nil
}

// readResponse reads the response head, skipping interim responses, and
// wraps the remaining body.
func (ex *exchange) readResponse(conn *poolConn, key poolKey, u *url.URL) (*message.Response, error) {
	var head *responseHead
	for {
		h, err := readHead(conn.br)
		if err == io.EOF {
			return nil, ex.fail(errkind.Errorf(errkind.ConnectionFailed, "send", "%s closed the connection before responding", key))
		}
		if err != nil {
			return nil, ex.fail(err)
		}
		if h.status == 101 {
			return nil, ex.fail(errkind.Errorf(errkind.ProtocolError, "send", "unexpected protocol switch"))
		}
		if h.status >= 200 {
			head = h
			break
		}
	}
	method := ex.req.Method()
	f, err := responseFraming(method, head)
	if err != nil {
		return nil, ex.fail(err)
	}
	reusable := keepAlive(head, f)

	var body *stream.Body
	if f.kind == frameNone {
		body = stream.Empty()
		ex.complete(reusable)
	} else {
		opts := []stream.Option{stream.WithHighWaterMark(ex.client.cfg.HighWaterMark)}
		if f.kind == frameLength {
			opts = append(opts, stream.WithLength(f.length))
		}
		body = stream.New(&responseSource{ex: ex, r: bodyReader(conn.br, f), reusable: reusable}, opts...)
	}
	return message.Received(u.String(), head.status, head.statusText, head.headers, body), nil
}

// hostHeader returns the Host header value for u: the ASCII host, plus the
// port when it is not the scheme's default.
func hostHeader(key poolKey, u *url.URL) (string, error) {
	h := key.host
	if strings.Contains(h, ":") {
		h = "[" + h + "]"
	}
	if p := u.Port(); p != "" && p != defaultPorts[key.scheme] {
		h += ":" + p
	}
	if !httpguts.ValidHostHeader(h) {
		return "", errkind.Errorf(errkind.InvalidURL, "send", "invalid host %q", h)
	}
	return h, nil
}

// responseSource pulls the response body from the connection.
type responseSource struct {
	ex       *exchange
	r        io.Reader
	reusable bool
	buf      []byte
}

func (s *responseSource) Pull(ctx context.Context, c *stream.Controller) error {
	if err := s.ex.tok.Err(); err != nil {
		s.ex.abandon()
		s.ex.settled()
		return err
	}
	if s.buf == nil {
		s.buf = make([]byte, readBufferSize)
	}
	// a blocked read only returns once the connection is closed
	stop := context.AfterFunc(ctx, s.ex.abandon)
	n, err := s.r.Read(s.buf)
	stop()
	if n > 0 {
		_ = c.Enqueue(s.buf[:n])
	}
	if lr, ok := s.r.(*lengthReader); ok && err == nil && lr.remaining == 0 {
		err = io.EOF
	}
	switch {
	case err == io.EOF:
		s.ex.complete(s.reusable)
		_ = c.Close()
		return nil
	case err != nil:
		s.ex.abandon()
		s.ex.settled()
		return s.fail(ctx, err)
	}
	return nil
}

func (s *responseSource) fail(ctx context.Context, err error) error {
	if reason := s.ex.tok.Err(); reason != nil {
		return reason
	}
	if ctx.Err() != nil {
		return cancel.FromContext(ctx)
	}
	var pe *protocolError
	if errors.As(err, &pe) {
		return errkind.New(errkind.ProtocolError, "read body", err)
	}
	if err == io.ErrUnexpectedEOF {
		return errkind.Errorf(errkind.ConnectionFailed, "read body", "connection closed before the body was complete")
	}
	return errkind.New(errkind.ConnectionFailed, "read body", err)
}

// Cancel is called when the consumer abandons the body.
func (s *responseSource) Cancel(error) {
	s.ex.abandon()
	s.ex.settled()
}
