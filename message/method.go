package message

import (
	"strings"

	"code.dopame.me/veonik/klaver/errkind"
)

// A Method is an HTTP request method.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

var methods = map[Method]struct{}{
	MethodGet:     {},
	MethodPost:    {},
	MethodPut:     {},
	MethodPatch:   {},
	MethodDelete:  {},
	MethodHead:    {},
	MethodOptions: {},
}

// ParseMethod returns the Method named by s, case-insensitively. An empty
// string is GET. Anything outside the supported set is an InvalidMethod
// error.
func ParseMethod(s string) (Method, error) {
	if s == "" {
		return MethodGet, nil
	}
	m := Method(strings.ToUpper(s))
	if _, ok := methods[m]; !ok {
		return "", errkind.Errorf(errkind.InvalidMethod, "parse method", "unsupported method %q", s)
	}
	return m, nil
}

func (m Method) String() string {
	return string(m)
}

// AllowsBody reports whether a request with this method may carry a body.
func (m Method) AllowsBody() bool {
	return m != MethodGet && m != MethodHead
}
