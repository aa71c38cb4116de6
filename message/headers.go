package message

import (
	"strings"

	"golang.org/x/net/http/httpguts"

	"code.dopame.me/veonik/klaver/errkind"
)

type field struct {
	name  string
	value string
}

// Headers is an insertion-ordered multi-map of header fields. Names are
// stored lower-cased; the same name may appear more than once.
type Headers struct {
	fields []field
}

// NewHeaders returns an empty Headers.
func NewHeaders() *Headers {
	return &Headers{}
}

func normalizeName(name string) (string, error) {
	if !httpguts.ValidHeaderFieldName(name) {
		return "", errkind.Errorf(errkind.InvalidHeader, "header", "invalid header name %q", name)
	}
	return strings.ToLower(name), nil
}

func normalizeValue(name, value string) (string, error) {
	value = strings.Trim(value, " \t\r\n")
	if !httpguts.ValidHeaderFieldValue(value) {
		return "", errkind.Errorf(errkind.InvalidHeader, "header", "invalid value for header %q", name)
	}
	return value, nil
}

// Append adds a value for name, keeping any existing values.
func (h *Headers) Append(name, value string) error {
	n, err := normalizeName(name)
	if err != nil {
		return err
	}
	v, err := normalizeValue(n, value)
	if err != nil {
		return err
	}
	h.fields = append(h.fields, field{n, v})
	return nil
}

// Set replaces all values for name with value. The new field takes the
// position of the first existing one.
func (h *Headers) Set(name, value string) error {
	n, err := normalizeName(name)
	if err != nil {
		return err
	}
	v, err := normalizeValue(n, value)
	if err != nil {
		return err
	}
	out := h.fields[:0]
	set := false
	for _, f := range h.fields {
		if f.name != n {
			out = append(out, f)
			continue
		}
		if !set {
			out = append(out, field{n, v})
			set = true
		}
	}
	if !set {
		out = append(out, field{n, v})
	}
	h.fields = out
	return nil
}

// Get returns the values for name joined with ", ", and whether any exist.
func (h *Headers) Get(name string) (string, bool) {
	vs := h.Values(name)
	if len(vs) == 0 {
		return "", false
	}
	return strings.Join(vs, ", "), true
}

// Values returns every value for name in insertion order.
func (h *Headers) Values(name string) []string {
	n := strings.ToLower(name)
	var vs []string
	for _, f := range h.fields {
		if f.name == n {
			vs = append(vs, f.value)
		}
	}
	return vs
}

// Has reports whether name has at least one value.
func (h *Headers) Has(name string) bool {
	n := strings.ToLower(name)
	for _, f := range h.fields {
		if f.name == n {
			return true
		}
	}
	return false
}

// Delete removes every value for name.
func (h *Headers) Delete(name string) {
	n := strings.ToLower(name)
	out := h.fields[:0]
	for _, f := range h.fields {
		if f.name != n {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Each calls fn for every field in insertion order.
func (h *Headers) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.name, f.value)
	}
}

// Len returns the number of fields.
func (h *Headers) Len() int {
	return len(h.fields)
}

// Clone returns a copy of h.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return NewHeaders()
	}
	return &Headers{fields: append([]field(nil), h.fields...)}
}
