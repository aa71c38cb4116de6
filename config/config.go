// Package config is a flexible configuration framework.
//
// Configuration is organized by named sections that themselves contain
// values or other sections. Sections and options are declared up front with
// SetupOptions, then populated from any mix of initial values, TOML files,
// parsed flag sets and plain maps.
//
// Underlying data for each section is stored in a map[string]interface{} or a
// struct with its exported fields being used as options. The underlying data
// is kept in sync when mutating with Config.Set() using reflection.
//
//     type Options struct {
//         RootPath string `toml:"root_path"`
//         Fetch    *struct {
//             Timeout string `toml:"timeout"`
//         }
//     }
//     co := &Options{RootPath: "~/.klaver"}
//     c, err := config.Wrap(co,
//         config.WithRequiredOption("root_path"),
//         config.WithGenericSection("Fetch", config.WithOption("timeout")),
//         config.WithValuesFromTOMLFile("config.toml"))
//     if err != nil {
//         panic(err)
//     }
//     f, _ := c.Section("Fetch")
//     d, _ := f.Duration("timeout")
//
package config // import "code.dopame.me/veonik/klaver/config"

import "time"

// A Value is some value stored in a configuration.
type Value interface{}

// A Config represents a single, configured section.
// Configs are collections of Values each with one or more keys referencing
// each Value stored.
// Configs may be nested within other Configs by using sections.
type Config interface {
	// Self returns the Value stored for the Config itself.
	// This will be a map[string]interface{} unless otherwise set with an
	// initial value or prototype func.
	Self() Value
	// Get returns the Value stored with the given key.
	// The second return parameter will be false if the given key is unset.
	Get(key string) (Value, bool)
	// String returns the string stored with the given key.
	// The second return parameter will be false if the given key is unset
	// or not a string.
	String(key string) (string, bool)
	// Bool returns the bool stored with the given key.
	// The second return parameter will be false if the given key is unset
	// or not a bool.
	Bool(key string) (bool, bool)
	// Int returns the int stored with the given key.
	// The second return parameter will be false if the given key is unset
	// or not an int.
	Int(key string) (int, bool)
	// Duration returns the duration stored with the given key. Strings are
	// parsed with time.ParseDuration and integers are read as milliseconds.
	// The second return parameter will be false if the given key is unset
	// or cannot be read as a duration.
	Duration(key string) (time.Duration, bool)
	// Set sets the given key to the given Value.
	Set(key string, val Value)

	// Section returns the nested configuration for the given key.
	// If the section does not exist, an error will be returned.
	Section(key string) (Config, error)
}

// New creates and populates a new Config using the given options.
func New(options ...SetupOption) (Config, error) {
	s := newSetup("root", nil)
	if err := s.apply(options...); err != nil {
		return nil, err
	}
	if err := walkAndWrap(s); err != nil {
		return nil, err
	}
	return s.config, s.validate()
}

// Wrap creates and populates a new Config using the given Value as the stored
// representation of the configuration.
func Wrap(wrapped Value, options ...SetupOption) (Config, error) {
	return New(append([]SetupOption{WithInitValue(wrapped)}, options...)...)
}
