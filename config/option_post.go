package config

import (
	"flag"
	"os"
	"reflect"
	"strings"
	"unicode"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// WithValuesFromTOMLFile populates the Config with values decoded from a TOML
// file. Tables become sections.
func WithValuesFromTOMLFile(filename string) SetupOption {
	return func(s *Setup) error {
		return s.addPostSetup(func(s *Setup) error {
			if _, err := toml.DecodeFile(filename, &s.raw); err != nil {
				return errors.Wrapf(err, "config: unable to decode %s", filename)
			}
			return nil
		})
	}
}

// WithValuesFromFlagSet populates the Config from the flags set on fs.
// Flag names are mapped onto sections by prefix, so -fetch-base-url sets
// base_url in the fetch section.
func WithValuesFromFlagSet(fs *flag.FlagSet) SetupOption {
	return func(s *Setup) error {
		if !fs.Parsed() {
			return errors.New("given FlagSet must be parsed")
		}
		return s.addPostSetup(func(s *Setup) error {
			fs.Visit(func(f *flag.Flag) {
				var v interface{} = f.Value.String()
				if g, ok := f.Value.(flag.Getter); ok {
					v = g.Get()
				}
				setNamed(s, f.Name, v)
			})
			return nil
		})
	}
}

// WithValuesFromMap populates the Config from vs, mapping each key the same
// way as flag names.
func WithValuesFromMap(vs map[string]interface{}) SetupOption {
	return func(s *Setup) error {
		return s.addPostSetup(func(s *Setup) error {
			for k, v := range vs {
				setNamed(s, k, v)
			}
			return nil
		})
	}
}

// WithValuesFromEnv populates the Config from environment variables that
// begin with prefix. KLAVER_FETCH_TIMEOUT with prefix "KLAVER_" sets timeout
// in the fetch section. Values are strings; the typed getters parse them.
func WithValuesFromEnv(prefix string) SetupOption {
	return func(s *Setup) error {
		return s.addPostSetup(func(s *Setup) error {
			for _, kv := range os.Environ() {
				if !strings.HasPrefix(kv, prefix) {
					continue
				}
				i := strings.IndexByte(kv, '=')
				if i < len(prefix) {
					continue
				}
				setNamed(s, kv[len(prefix):i], kv[i+1:])
			}
			return nil
		})
	}
}

// normalize converts a flag, map or environment name into lower snake case.
// Dashes and spaces become underscores and camel case is split, so
// "fetch-baseURL" becomes "fetch_base_url".
func normalize(name string) string {
	rs := []rune(name)
	var b strings.Builder
	for i, r := range rs {
		switch {
		case r == '-' || unicode.IsSpace(r):
			b.WriteRune('_')
			continue
		case unicode.IsUpper(r) && i > 0:
			prev := rs[i-1]
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteRune('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// resolve maps a normalized name onto the path of section and option names
// that s declares, or nil if nothing matches.
func resolve(s *Setup, name string) []string {
	if k, ok := declared(s, name); ok {
		return []string{k}
	}
	for _, n := range s.order {
		prefix := normalize(n) + "_"
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if rest := resolve(s.sections[n], name[len(prefix):]); rest != nil {
			return append([]string{n}, rest...)
		}
	}
	return nil
}

// declared finds the option in s whose normalized name is name. Declared
// options are checked before the fields of a struct initial value.
func declared(s *Setup, name string) (string, bool) {
	for k := range s.options {
		if normalize(k) == name {
			return k, true
		}
	}
	rv := reflect.ValueOf(s.initial)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return "", false
	}
	fields, err := structFields(rv.Type())
	if err != nil {
		logrus.Debugf("config: unable to read fields of section %s: %s", s.name, err)
		return "", false
	}
	for k := range fields {
		if normalize(k) == name {
			return k, true
		}
	}
	return "", false
}

// setNamed stores v in the raw values of s at the path name resolves to.
func setNamed(s *Setup, name string, v interface{}) {
	path := resolve(s, normalize(name))
	if path == nil {
		logrus.Debugf("config: %s does not match any option in section %s", name, s.name)
		return
	}
	raw := s.raw
	for _, p := range path[:len(path)-1] {
		next, ok := raw[p].(map[string]interface{})
		if !ok {
			if old, exists := raw[p]; exists {
				logrus.Debugf("config: replacing %T value for %s with a section", old, p)
			}
			next = make(map[string]interface{})
			raw[p] = next
		}
		raw = next
	}
	raw[path[len(path)-1]] = v
	logrus.Debugf("config: %s set %v to %T(%v)", name, path, v, v)
}
