package client

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"code.dopame.me/veonik/klaver/message"
)

// maxHeadBytes bounds the size of a response status line plus headers.
const maxHeadBytes = 1 << 20

// skipRequestHeaders are derived from the message itself and never copied
// from the caller's headers.
var skipRequestHeaders = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
	"keep-alive":        {},
	"upgrade":           {},
}

// requestHead is everything needed to write a request line and headers.
type requestHead struct {
	method     message.Method
	requestURI string
	host       string
	headers    *message.Headers
	userAgent  string
	// length is the body length, or -1 to use chunked encoding. A request
	// without a body has length 0 and sends no Content-Length unless its
	// method expects a body.
	length int64
	body   bool
}

// writeHead writes the request line and headers, e.g.:
//
//	GET / HTTP/1.1\r\n
//	Host: example.test\r\n
//	Accept: */*\r\n
//	\r\n
func writeHead(w *bufio.Writer, h *requestHead) error {
	w.WriteString(string(h.method))
	w.WriteByte(' ')
	w.WriteString(h.requestURI)
	w.WriteString(" HTTP/1.1\r\n")

	w.WriteString("Host: ")
	w.WriteString(h.host)
	w.WriteString("\r\n")
	switch {
	case h.body && h.length < 0:
		w.WriteString("Transfer-Encoding: chunked\r\n")
	case h.body || h.method.AllowsBody():
		w.WriteString("Content-Length: ")
		w.WriteString(strconv.FormatInt(h.length, 10))
		w.WriteString("\r\n")
	}
	if !h.headers.Has("user-agent") && h.userAgent != "" {
		w.WriteString("User-Agent: ")
		w.WriteString(h.userAgent)
		w.WriteString("\r\n")
	}
	if !h.headers.Has("accept") {
		w.WriteString("Accept: */*\r\n")
	}
	h.headers.Each(func(name, value string) {
		if _, ok := skipRequestHeaders[name]; ok {
			return
		}
		w.WriteString(name)
		w.WriteString(": ")
		w.WriteString(value)
		w.WriteString("\r\n")
	})
	_, err := w.WriteString("\r\n")
	return err
}

// responseHead is a parsed status line and header block.
type responseHead struct {
	proto      string
	status     int
	statusText string
	headers    *message.Headers
}

// protocolError marks a response that does not follow HTTP/1.1 framing.
type protocolError struct {
	err error
}

func (e *protocolError) Error() string { return e.err.Error() }
func (e *protocolError) Unwrap() error { return e.err }

func malformed(format string, args ...interface{}) error {
	return &protocolError{errors.Errorf(format, args...)}
}

// readHead reads one response head. It returns io.EOF if the connection
// closed before any byte of the response arrived.
func readHead(r *bufio.Reader) (*responseHead, error) {
	budget := maxHeadBytes
	line, err := r.ReadSlice('\n')
	if err == io.EOF && len(line) == 0 {
		return nil, io.EOF
	}
	status, err := headLine(line, err, &budget)
	if err != nil {
		return nil, err
	}
	proto, rest, ok := strings.Cut(status, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, malformed("malformed status line %q", status)
	}
	code, text, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	if len(code) != 3 {
		return nil, malformed("malformed status code %q", code)
	}
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 {
		return nil, malformed("malformed status code %q", code)
	}
	head := &responseHead{proto: proto, status: n, statusText: text, headers: message.NewHeaders()}
	for {
		line, err := r.ReadSlice('\n')
		field, err := headLine(line, err, &budget)
		if err != nil {
			return nil, err
		}
		if field == "" {
			return head, nil
		}
		if field[0] == ' ' || field[0] == '\t' {
			return nil, malformed("obsolete line folding in header block")
		}
		name, value, ok := strings.Cut(field, ":")
		if !ok {
			return nil, malformed("malformed header line %q", field)
		}
		if err := head.headers.Append(name, value); err != nil {
			return nil, &protocolError{err}
		}
	}
}

func headLine(line []byte, err error, budget *int) (string, error) {
	if err == bufio.ErrBufferFull {
		return "", malformed("response header line too long")
	}
	if err != nil {
		return "", unexpected(err)
	}
	*budget -= len(line)
	if *budget < 0 {
		return "", malformed("response head too large")
	}
	s := strings.TrimSuffix(string(line), "\n")
	return strings.TrimSuffix(s, "\r"), nil
}

type framingKind uint8

const (
	frameNone framingKind = iota
	frameLength
	frameChunked
	frameUntilClose
)

type framing struct {
	kind   framingKind
	length int64
}

// responseFraming decides how the body following head is delimited.
func responseFraming(method message.Method, head *responseHead) (framing, error) {
	if method == message.MethodHead || head.status == 204 || head.status == 304 || head.status < 200 {
		return framing{kind: frameNone}, nil
	}
	if te := head.headers.Values("transfer-encoding"); len(te) > 0 {
		codings := strings.Split(strings.Join(te, ","), ",")
		last := strings.ToLower(strings.TrimSpace(codings[len(codings)-1]))
		// a Content-Length alongside Transfer-Encoding is ignored
		head.headers.Delete("content-length")
		if last == "chunked" {
			return framing{kind: frameChunked, length: -1}, nil
		}
		return framing{kind: frameUntilClose, length: -1}, nil
	}
	lens := head.headers.Values("content-length")
	if len(lens) == 0 {
		return framing{kind: frameUntilClose, length: -1}, nil
	}
	first := strings.TrimSpace(lens[0])
	for _, l := range lens[1:] {
		if strings.TrimSpace(l) != first {
			return framing{}, malformed("conflicting Content-Length headers %q", lens)
		}
	}
	if len(lens) > 1 {
		if err := head.headers.Set("content-length", first); err != nil {
			return framing{}, &protocolError{err}
		}
	}
	n, err := strconv.ParseUint(first, 10, 63)
	if err != nil {
		return framing{}, malformed("invalid Content-Length %q", first)
	}
	if n == 0 {
		return framing{kind: frameNone}, nil
	}
	return framing{kind: frameLength, length: int64(n)}, nil
}

// keepAlive reports whether the connection may carry another request once
// this response has been read in full.
func keepAlive(head *responseHead, f framing) bool {
	if f.kind == frameUntilClose || head.proto != "HTTP/1.1" {
		return false
	}
	for _, v := range head.headers.Values("connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "close") {
				return false
			}
		}
	}
	return true
}

// lengthReader reads exactly n bytes, reporting a short body as
// io.ErrUnexpectedEOF.
type lengthReader struct {
	r         io.Reader
	remaining int64
}

func (l *lengthReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if err == io.EOF {
		if l.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		return n, io.EOF
	}
	return n, err
}

// bodyReader returns a reader for the framed body on r.
func bodyReader(r *bufio.Reader, f framing) io.Reader {
	switch f.kind {
	case frameLength:
		return &lengthReader{r: r, remaining: f.length}
	case frameChunked:
		return newChunkedReader(r)
	case frameUntilClose:
		return r
	}
	return nil
}
