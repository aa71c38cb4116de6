package config

import (
	"testing"
	"time"
)

func TestConfigurable_withMap(t *testing.T) {
	co := map[string]interface{}{}
	s := newSetup("root", nil)
	err := s.apply(WithInitValue(co))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	c, err := newConfigurable(s)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	v, ok := c.Value.(map[string]interface{})
	if !ok {
		t.Fatalf("expected value to be map[string]interface{}, got %T", c.Value)
	}
	if len(v) > 0 {
		t.Fatalf("expected value to be empty: %s", v)
	}
	c.Set("UserAgent", "klaver/test")
	if co["UserAgent"] != "klaver/test" {
		t.Fatalf("expected UserAgent key in map to contain 'klaver/test', but got '%s'", co["UserAgent"])
	}
	vs, ok := c.String("UserAgent")
	if !ok {
		t.Fatalf("expected Get call to return a value")
	}
	if vs != "klaver/test" {
		t.Fatalf("expected value to contain 'klaver/test', got '%s'", vs)
	}
}

type clientOptions struct {
	UserAgent string
}

func TestConfigurable_withStruct(t *testing.T) {
	co := &clientOptions{}
	s := newSetup("root", nil)
	err := s.apply(WithInitValue(co))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	c, err := newConfigurable(s)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	v, ok := c.Value.(*clientOptions)
	if !ok {
		t.Fatalf("expected value to be *clientOptions, got %T", c.Value)
	}
	if len(v.UserAgent) > 0 {
		t.Fatalf("expected value to be empty: %s", v)
	}
	c.Set("UserAgent", "klaver/test")
	if co.UserAgent != "klaver/test" {
		t.Fatalf("expected UserAgent field on struct to contain 'klaver/test', but got '%s'", co.UserAgent)
	}
	vs, ok := c.String("UserAgent")
	if !ok {
		t.Fatalf("expected Get call to return a value")
	}
	if vs != "klaver/test" {
		t.Fatalf("expected value to contain 'klaver/test', got '%s'", vs)
	}
}

type hostOptions struct {
	MaxConns int           `toml:"max_conns"`
	Hosts    []string      `toml:"hosts"`
	Agent    *string       `toml:"agent"`
	Timeout  time.Duration `toml:"timeout"`
	hidden   string
}

func TestStructStore_assign(t *testing.T) {
	co := &hostOptions{}
	st, _, err := newStore(co)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := st.set("max_conns", int64(4)); err != nil {
		t.Errorf("expected int64 to convert to int: %s", err)
	}
	if err := st.set("hosts", []interface{}{"a.test", "b.test"}); err != nil {
		t.Errorf("expected []interface{} to convert to []string: %s", err)
	}
	if err := st.set("agent", "klaver/test"); err != nil {
		t.Errorf("expected string to be stored behind a pointer: %s", err)
	}
	if err := st.set("Timeout", 2*time.Second); err != nil {
		t.Errorf("expected field name to be accepted: %s", err)
	}
	if err := st.set("hosts", "not a list"); err == nil {
		t.Errorf("expected an error assigning a string to a slice")
	}
	if err := st.set("hidden", "x"); err != errNoField {
		t.Errorf("expected unexported field to be unknown, got %v", err)
	}
	if co.MaxConns != 4 || len(co.Hosts) != 2 || co.Agent == nil || *co.Agent != "klaver/test" || co.Timeout != 2*time.Second {
		t.Errorf("unexpected struct contents: %+v", co)
	}
	if v, err := st.get("agent"); err != nil || v == nil {
		t.Errorf("expected agent to be set, got %v (%v)", v, err)
	}
}

func TestNewStore_unsupported(t *testing.T) {
	if _, _, err := newStore(true); err == nil {
		t.Errorf("expected an error wrapping a bool")
	}
	if _, _, err := newStore(map[int]string{}); err == nil {
		t.Errorf("expected an error wrapping a map without string keys")
	}
}
