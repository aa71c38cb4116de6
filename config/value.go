package config

import (
	"reflect"
	"strconv"
	"time"

	"github.com/fatih/structtag"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// configurable must implement Config.
var _ Config = &configurable{}

// configurable is the default Config implementation.
//
// Values are read from and written through to a store wrapping the section's
// map or struct. Nested Configs, and keys a struct has no field for, are
// kept in extra.
type configurable struct {
	Value
	store store
	extra map[string]Value
}

func newConfigurable(s *Setup) (*configurable, error) {
	if isNil(s.initial) {
		return nil, errors.New("unable to wrap <nil>")
	}
	st, v, err := newStore(s.initial)
	if err != nil {
		return nil, err
	}
	c := &configurable{Value: v, store: st, extra: make(map[string]Value)}
	for k, v := range s.raw {
		c.Set(k, v)
	}
	return c, nil
}

func (c *configurable) Self() Value {
	return c.Value
}

// Get returns the value stored for key. Declared options that no source has
// populated are unset, the same as undeclared keys.
func (c *configurable) Get(key string) (Value, bool) {
	if v, ok := c.extra[key]; ok {
		return v, true
	}
	v, err := c.store.get(key)
	if err != nil || v == nil {
		return nil, false
	}
	return v, true
}

func (c *configurable) String(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	vs, ok := v.(string)
	return vs, ok
}

// Bool also accepts the strings understood by strconv.ParseBool, which is
// what environment variables provide.
func (c *configurable) Bool(key string) (bool, bool) {
	v, ok := c.Get(key)
	if !ok {
		return false, false
	}
	switch vs := v.(type) {
	case bool:
		return vs, true
	case string:
		b, err := strconv.ParseBool(vs)
		return b, err == nil
	}
	return false, false
}

func (c *configurable) Int(key string) (int, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	switch vs := v.(type) {
	case int:
		return vs, true
	case int64:
		return int(vs), true
	case uint:
		return int(vs), true
	case string:
		n, err := strconv.Atoi(vs)
		return n, err == nil
	}
	return 0, false
}

func (c *configurable) Duration(key string) (time.Duration, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	switch vs := v.(type) {
	case time.Duration:
		return vs, true
	case int:
		return time.Duration(vs) * time.Millisecond, true
	case int64:
		return time.Duration(vs) * time.Millisecond, true
	case string:
		if vs == "" {
			return 0, false
		}
		if n, err := strconv.ParseInt(vs, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond, true
		}
		d, err := time.ParseDuration(vs)
		if err != nil {
			logrus.Warnf("config: invalid duration for %s: %s", key, err)
			return 0, false
		}
		return d, true
	}
	return 0, false
}

func (c *configurable) Set(key string, val Value) {
	if sc, ok := val.(Config); ok {
		c.extra[key] = sc
		if err := c.store.set(key, sc.Self()); err != nil && err != errNoField {
			logrus.Debugf("config: section %s not written through: %s", key, err)
		}
		return
	}
	err := c.store.set(key, val)
	switch {
	case err == nil:
		delete(c.extra, key)
	case err == errNoField:
		c.extra[key] = val
	default:
		logrus.Warnf("config: unable to set %s: %s", key, err)
	}
}

func (c *configurable) Section(key string) (Config, error) {
	v, ok := c.extra[key]
	if !ok {
		return nil, errors.Errorf(`section "%s" does not exist`, key)
	}
	if s, ok := v.(Config); ok {
		return s, nil
	}
	return nil, errors.Errorf(`section "%s" contains unexpected type %T: %v`, key, v, v)
}

// errNoField is returned by a struct store for keys it has no field for.
var errNoField = errors.New("no such field")

// A store reads and writes the options of a single section.
type store interface {
	get(key string) (Value, error)
	set(key string, val Value) error
}

// newStore returns a store for v and the value it writes to. Nil pointers to
// structs are allocated and struct values are copied so that they can be
// written to.
func newStore(v Value) (store, Value, error) {
	rv := reflect.ValueOf(v)
	switch {
	case rv.Kind() == reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, nil, errors.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		if rv.IsNil() {
			rv = reflect.MakeMap(rv.Type())
		}
		return mapStore{rv}, rv.Interface(), nil
	case rv.Kind() == reflect.Ptr && rv.Type().Elem().Kind() == reflect.Struct:
		if rv.IsNil() {
			rv = reflect.New(rv.Type().Elem())
		}
	case rv.Kind() == reflect.Struct:
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		rv = p
	default:
		return nil, nil, errors.Errorf("unsupported section value %T", v)
	}
	fields, err := structFields(rv.Type().Elem())
	if err != nil {
		return nil, nil, err
	}
	return structStore{rv.Elem(), fields}, rv.Interface(), nil
}

type mapStore struct {
	m reflect.Value
}

func (s mapStore) get(key string) (Value, error) {
	v := s.m.MapIndex(reflect.ValueOf(key))
	if !v.IsValid() {
		return nil, nil
	}
	return v.Interface(), nil
}

func (s mapStore) set(key string, val Value) error {
	k := reflect.ValueOf(key).Convert(s.m.Type().Key())
	if val == nil {
		s.m.SetMapIndex(k, reflect.Value{})
		return nil
	}
	e := reflect.New(s.m.Type().Elem()).Elem()
	if err := assign(e, val); err != nil {
		return err
	}
	s.m.SetMapIndex(k, e)
	return nil
}

type structStore struct {
	v      reflect.Value
	fields map[string][]int
}

func (s structStore) get(key string) (Value, error) {
	idx, ok := s.fields[key]
	if !ok {
		return nil, errNoField
	}
	f := s.v.FieldByIndex(idx)
	if f.Kind() == reflect.Ptr && f.IsNil() {
		return nil, nil
	}
	return f.Interface(), nil
}

func (s structStore) set(key string, val Value) error {
	idx, ok := s.fields[key]
	if !ok {
		return errNoField
	}
	return assign(s.v.FieldByIndex(idx), val)
}

// structFields maps the exported fields of t by field name and by the name in
// each of their struct tags.
func structFields(t reflect.Type) (map[string][]int, error) {
	res := make(map[string][]int)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		res[f.Name] = f.Index
		tags, err := structtag.Parse(string(f.Tag))
		if err != nil {
			return nil, errors.Wrapf(err, "field %s", f.Name)
		}
		for _, tg := range tags.Tags() {
			if tg.Name != "" && tg.Name != "-" {
				res[tg.Name] = f.Index
			}
		}
	}
	return res, nil
}

// assign sets dst to val, converting between numeric kinds, through one
// level of pointers, and element-wise for slices.
func assign(dst reflect.Value, val Value) error {
	if !dst.CanSet() {
		return errors.Errorf("cannot set %s", dst.Type())
	}
	if val == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	rv := reflect.ValueOf(val)
	dt := dst.Type()
	switch {
	case rv.Type().AssignableTo(dt):
		dst.Set(rv)
	case rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Elem().Type().AssignableTo(dt):
		dst.Set(rv.Elem())
	case dt.Kind() == reflect.Ptr && rv.Type().AssignableTo(dt.Elem()):
		p := reflect.New(dt.Elem())
		p.Elem().Set(rv)
		dst.Set(p)
	case numeric(rv.Kind()) && numeric(dt.Kind()):
		dst.Set(rv.Convert(dt))
	case dt.Kind() == reflect.Slice && rv.Kind() == reflect.Slice:
		out := reflect.MakeSlice(dt, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			e := reflect.New(dt.Elem()).Elem()
			if err := assign(e, rv.Index(i).Interface()); err != nil {
				return errors.WithMessagef(err, "index %d", i)
			}
			out = reflect.Append(out, e)
		}
		dst.Set(out)
	default:
		return errors.Errorf("cannot use %T as %s", val, dt)
	}
	return nil
}

func numeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// isNil reports whether v is nil or a nil pointer, map or interface.
func isNil(v Value) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
