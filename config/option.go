package config

import (
	"github.com/pkg/errors"
)

// A Section describes a nested configuration section before it is built.
type Section interface {
	// Name is used as the name of the section.
	Name() string
	// Prototype returns the initial value for the section, or nil to use the
	// value held by the parent.
	Prototype() Value
	// Singleton is true if the section may only exist once.
	Singleton() bool
}

type genericSection string

func (n genericSection) Name() string {
	return string(n)
}

func (genericSection) Prototype() Value {
	return nil
}

func (genericSection) Singleton() bool {
	return false
}

// WithGenericSection adds a section with the given name and options. Its
// initial value is taken from the parent, or an empty map if the parent has
// none.
func WithGenericSection(name string, options ...SetupOption) SetupOption {
	return WithSection(genericSection(name), options...)
}

// WithSection adds a Section configured with the given options.
func WithSection(sec Section, options ...SetupOption) SetupOption {
	return func(s *Setup) error {
		ns := newSetup(sec.Name(), s)
		opts := append([]SetupOption{}, options...)
		if sec.Singleton() {
			opts = append(opts, WithSingleton(true))
		}
		if !isNil(sec.Prototype()) {
			opts = append(opts, WithInitPrototype(sec.Prototype))
		}
		if err := ns.apply(opts...); err != nil {
			return errors.WithMessagef(err, "section %s", ns.name)
		}
		return s.addSection(ns)
	}
}

// WithSingleton enables or disables a section's singleton property.
func WithSingleton(singleton bool) SetupOption {
	return func(s *Setup) error {
		s.singleton = singleton
		return nil
	}
}

// WithInitValue uses value as the stored representation of the section.
// Changes made through the Config are written to value: maps by key, struct
// pointers by field name or struct tag name.
func WithInitValue(value Value) SetupOption {
	return func(s *Setup) error {
		s.prototype = nil
		s.initial = value
		return nil
	}
}

// WithInitPrototype calls proto to create the initial value when the Config
// is built.
func WithInitPrototype(proto func() Value) SetupOption {
	return func(s *Setup) error {
		s.initial = nil
		s.prototype = proto
		return nil
	}
}

// WithOption declares an optional option. An option no source sets reads
// as unset.
func WithOption(name string) SetupOption {
	return WithOptions(name)
}

// WithOptions declares multiple optional options.
func WithOptions(names ...string) SetupOption {
	return declare(false, names)
}

// WithRequiredOption declares an option that must be set and non-empty.
func WithRequiredOption(name string) SetupOption {
	return WithRequiredOptions(name)
}

// WithRequiredOptions declares multiple required options.
func WithRequiredOptions(names ...string) SetupOption {
	return declare(true, names)
}

func declare(required bool, names []string) SetupOption {
	return func(s *Setup) error {
		for _, n := range names {
			s.options[n] = required
		}
		return nil
	}
}

// WithInheritedOption copies an option from the parent section.
func WithInheritedOption(name string) SetupOption {
	return func(s *Setup) error {
		if s.parent == nil {
			return errors.Errorf("config: unable to inherit option '%s' for section %s; no parent found", name, s.name)
		}
		s.inherits = append(s.inherits, name)
		return nil
	}
}

// WithInheritedSection makes a sibling section available in this one.
func WithInheritedSection(name string) SetupOption {
	return WithInheritedOption(name)
}
