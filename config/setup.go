package config

import (
	"reflect"
	"sort"

	"github.com/pkg/errors"
)

// A SetupOption is a function that modifies the given Setup in some way.
type SetupOption func(s *Setup) error

// A postSetupOption runs after every SetupOption has been applied. Sources
// of values are postSetupOptions so that they can see every section and
// option the Setup declares.
type postSetupOption func(s *Setup) error

// A protoFunc returns the initial value for a section.
type protoFunc func() Value

// Setup describes how to build a Config: the sections and options it
// declares, where its initial value comes from, and the raw values read from
// each source.
type Setup struct {
	name      string
	parent    *Setup
	prototype protoFunc
	singleton bool
	initial   Value
	config    Config

	// raw holds values read from sources, keyed by option or section name.
	raw map[string]interface{}

	sections map[string]*Setup
	// order holds section names in declaration order.
	order    []string
	options  map[string]bool
	inherits []string

	post []postSetupOption
}

func newSetup(name string, parent *Setup) *Setup {
	return &Setup{
		name:     name,
		parent:   parent,
		raw:      make(map[string]interface{}),
		sections: make(map[string]*Setup),
		options:  make(map[string]bool),
	}
}

func (s *Setup) addPostSetup(options ...postSetupOption) error {
	s.post = append(s.post, options...)
	return nil
}

func (s *Setup) addSection(ns *Setup) error {
	if _, ok := s.sections[ns.name]; ok {
		return errors.Errorf(`section "%s" already exists`, ns.name)
	}
	s.sections[ns.name] = ns
	s.order = append(s.order, ns.name)
	return nil
}

// apply runs options in order, then any postSetupOptions they added.
func (s *Setup) apply(options ...SetupOption) error {
	s.post = nil
	for _, o := range options {
		if err := o(s); err != nil {
			return err
		}
	}
	for _, o := range s.post {
		if err := o(s); err != nil {
			return err
		}
	}
	return nil
}

// validate checks that every required option is set, recursively.
func (s *Setup) validate() error {
	if s.config == nil {
		return errors.New("expected config to be populated, found nil")
	}
	var missing []string
	for o, reqd := range s.options {
		if !reqd {
			continue
		}
		v, ok := s.config.Get(o)
		if vs, isStr := v.(string); !ok || (isStr && vs == "") {
			missing = append(missing, o)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Errorf(`required option "%s" is empty`, missing[0])
	}
	for _, n := range s.order {
		if err := s.sections[n].validate(); err != nil {
			return errors.Wrapf(err, `config "%s" contains an invalid section "%s"`, s.name, n)
		}
	}
	return nil
}

// walkAndWrap builds the Config for s and all of its sections.
func walkAndWrap(s *Setup) error {
	if err := s.wrap(); err != nil {
		if s.parent != nil {
			return errors.WithMessagef(err, "section %s", s.name)
		}
		return err
	}
	return nil
}

func (s *Setup) wrap() error {
	if isNil(s.initial) && s.prototype != nil {
		s.initial = s.prototype()
	}
	if isNil(s.initial) && s.parent != nil {
		s.initial = initialFromParent(s.parent.config, s.name)
	}
	if isNil(s.initial) {
		s.initial = make(map[string]interface{})
	}
	if rc, ok := s.initial.(Config); ok {
		s.config = rc
	} else {
		co, err := newConfigurable(s)
		if err != nil {
			return err
		}
		s.config = co
	}
	if err := s.inherit(); err != nil {
		return err
	}
	for _, n := range s.order {
		ns := s.sections[n]
		if v, ok := s.raw[n].(map[string]interface{}); ok {
			ns.raw = v
		}
		if err := walkAndWrap(ns); err != nil {
			return err
		}
		s.config.Set(n, ns.config)
	}
	return nil
}

// inherit copies inherited sections and options from the parent. An option
// the parent declares but never set stays unset here too.
func (s *Setup) inherit() error {
	for _, n := range s.inherits {
		p := s.parent
		if p == nil {
			return errors.Errorf("unable to inherit option %s from non-existent parent", n)
		}
		if sec, ok := p.sections[n]; ok && sec.config != nil {
			s.config.Set(n, sec.config)
		} else if v, ok := p.config.Get(n); ok {
			s.config.Set(n, v)
		} else if _, ok := p.options[n]; !ok {
			return errors.Errorf("unable to inherit non-existent option %s from parent %s", n, p.name)
		}
	}
	return nil
}

// initialFromParent returns the value the parent holds for a section. A nil
// struct pointer or map field on a struct parent is allocated first so the
// section writes through to it.
func initialFromParent(parent Config, name string) Value {
	if c, ok := parent.(*configurable); ok {
		if ss, ok := c.store.(structStore); ok {
			if idx, ok := ss.fields[name]; ok {
				f := ss.v.FieldByIndex(idx)
				switch {
				case f.Kind() == reflect.Ptr && f.Type().Elem().Kind() == reflect.Struct:
					if f.IsNil() {
						f.Set(reflect.New(f.Type().Elem()))
					}
					return f.Interface()
				case f.Kind() == reflect.Map && f.Type().Key().Kind() == reflect.String:
					if f.IsNil() {
						f.Set(reflect.MakeMap(f.Type()))
					}
					return f.Interface()
				case f.Kind() == reflect.Struct:
					return f.Addr().Interface()
				}
			}
		}
	}
	v, _ := parent.Get(name)
	return v
}
