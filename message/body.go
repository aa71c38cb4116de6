package message

import (
	"io"

	"code.dopame.me/veonik/klaver/errkind"
	"code.dopame.me/veonik/klaver/stream"
)

type bodyKind uint8

const (
	bodyNone bodyKind = iota
	bodyBytes
	bodyText
	bodyStream
	bodySource
	bodyReader
)

const textContentType = "text/plain;charset=UTF-8"

// A BodyInit describes where a request or response body comes from. The
// zero value is no body.
type BodyInit struct {
	kind        bodyKind
	bytes       []byte
	text        string
	stream      *stream.Body
	source      stream.Source
	reader      io.Reader
	contentType string
}

// BytesBody is a body holding a copy of p.
func BytesBody(p []byte) BodyInit {
	return BodyInit{kind: bodyBytes, bytes: p}
}

// TextBody is a body holding the UTF-8 encoding of s. Unless overridden, it
// implies a text/plain content type.
func TextBody(s string) BodyInit {
	return BodyInit{kind: bodyText, text: s, contentType: textContentType}
}

// StreamBody is a body that reads from an existing, unconsumed Body.
func StreamBody(b *stream.Body) BodyInit {
	return BodyInit{kind: bodyStream, stream: b}
}

// SourceBody is a body produced on demand by src.
func SourceBody(src stream.Source) BodyInit {
	return BodyInit{kind: bodySource, source: src}
}

// ReaderBody is a body read from r on demand.
func ReaderBody(r io.Reader) BodyInit {
	return BodyInit{kind: bodyReader, reader: r}
}

// IsZero reports whether bi describes no body at all.
func (bi BodyInit) IsZero() bool {
	return bi.kind == bodyNone
}

// WithContentType returns a copy of bi that implies the given content type.
func (bi BodyInit) WithContentType(ct string) BodyInit {
	bi.contentType = ct
	return bi
}

// build normalizes bi into a Body. A nil Body means there is no body.
func (bi BodyInit) build(opts ...stream.Option) (*stream.Body, string, error) {
	switch bi.kind {
	case bodyNone:
		return nil, "", nil
	case bodyBytes:
		return stream.FromBytes(bi.bytes, opts...), bi.contentType, nil
	case bodyText:
		return stream.FromString(bi.text, opts...), bi.contentType, nil
	case bodyStream:
		if bi.stream == nil {
			return nil, "", nil
		}
		if bi.stream.Used() {
			return nil, "", errkind.New(errkind.AlreadyUsed, "body", nil)
		}
		if bi.stream.Locked() {
			return nil, "", errkind.New(errkind.Locked, "body", nil)
		}
		return bi.stream, bi.contentType, nil
	case bodySource:
		return stream.New(bi.source, opts...), bi.contentType, nil
	case bodyReader:
		return stream.FromReader(bi.reader, opts...), bi.contentType, nil
	}
	return nil, "", errkind.Errorf(errkind.InvalidBody, "body", "unknown body kind %d", bi.kind)
}
