package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"code.dopame.me/veonik/klaver/config"
	"code.dopame.me/veonik/klaver/plugin"
)

type fetchOptions struct {
	BaseURL         string `toml:"base_url"`
	MaxConnsPerHost int    `toml:"max_conns_per_host"`
}

type rootOptions struct {
	RootPath string `toml:"root_path"`
	Fetch    *fetchOptions
}

func TestWrap(t *testing.T) {
	co := &rootOptions{"/srv/klaver", &fetchOptions{"http://localhost:3000/", 8}}
	c, err := config.Wrap(co,
		config.WithRequiredOption("root_path"),
		config.WithGenericSection("Fetch", config.WithInitValue(co.Fetch), config.WithRequiredOption("base_url")))
	if err != nil {
		t.Errorf("expected config to be valid, but got error: %s", err)
		return
	}
	rp, ok := c.String("root_path")
	if !ok || rp != "/srv/klaver" {
		t.Errorf("expected root_path to be /srv/klaver, got %q", rp)
		return
	}
	f, err := c.Section("Fetch")
	if err != nil {
		t.Errorf("expected to get section named Fetch, but got error: %s", err)
		return
	}
	n, ok := f.Int("max_conns_per_host")
	if !ok || n != 8 {
		t.Errorf("expected max_conns_per_host to be 8, got %d", n)
		return
	}
	f.Set("base_url", "http://example.test/")
	if co.Fetch.BaseURL != "http://example.test/" {
		t.Errorf("expected BaseURL field to be updated, got %q", co.Fetch.BaseURL)
	}
}

func TestWrap_requiredOption(t *testing.T) {
	co := &rootOptions{Fetch: &fetchOptions{}}
	_, err := config.Wrap(co,
		config.WithGenericSection("Fetch", config.WithInitValue(co.Fetch), config.WithRequiredOption("base_url")))
	if err == nil {
		t.Errorf("expected an error for the empty base_url option")
	}
}

func TestConfig_Duration(t *testing.T) {
	c, err := config.New(config.WithInitValue(map[string]interface{}{
		"timeout":      "1500ms",
		"idle_timeout": int64(250),
		"dial_timeout": 2 * time.Second,
		"bad":          "soon",
		"empty":        "",
	}))
	if err != nil {
		t.Errorf("unexpected error: %s", err)
		return
	}
	for key, want := range map[string]time.Duration{
		"timeout":      1500 * time.Millisecond,
		"idle_timeout": 250 * time.Millisecond,
		"dial_timeout": 2 * time.Second,
	} {
		d, ok := c.Duration(key)
		if !ok || d != want {
			t.Errorf("%s: expected %s, got %s (ok=%v)", key, want, d, ok)
		}
	}
	for _, key := range []string{"bad", "empty", "missing"} {
		if d, ok := c.Duration(key); ok {
			t.Errorf("%s: expected no duration, got %s", key, d)
		}
	}
}

func TestWithValuesFromTOMLFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "config.toml")
	err := os.WriteFile(fn, []byte(`
root_path = "/var/lib/klaver"

[fetch]
timeout = "2s"
max_conns_per_host = 4
insecure_skip_verify = true
`), 0644)
	if err != nil {
		t.Errorf("unable to write config file: %s", err)
		return
	}
	c, err := config.New(
		config.WithOption("root_path"),
		config.WithGenericSection("fetch",
			config.WithOptions("timeout", "max_conns_per_host", "insecure_skip_verify"),
			config.WithInheritedOption("root_path")),
		config.WithValuesFromTOMLFile(fn))
	if err != nil {
		t.Errorf("expected config to be valid, but got error: %s", err)
		return
	}
	f, err := c.Section("fetch")
	if err != nil {
		t.Errorf("expected to get section named fetch, but got error: %s", err)
		return
	}
	if d, ok := f.Duration("timeout"); !ok || d != 2*time.Second {
		t.Errorf("expected timeout to be 2s, got %s", d)
	}
	if n, ok := f.Int("max_conns_per_host"); !ok || n != 4 {
		t.Errorf("expected max_conns_per_host to be 4, got %d", n)
	}
	if b, ok := f.Bool("insecure_skip_verify"); !ok || !b {
		t.Errorf("expected insecure_skip_verify to be true")
	}
	if rp, ok := f.String("root_path"); !ok || rp != "/var/lib/klaver" {
		t.Errorf("expected inherited root_path, got %q", rp)
	}
}

func TestWithInheritedSection(t *testing.T) {
	c, err := config.New(
		config.WithGenericSection(
			"fetch",
			config.WithRequiredOption("user_agent"),
			config.WithInitValue(map[string]interface{}{"user_agent": "klaver-test"})),
		config.WithGenericSection(
			"script",
			config.WithInheritedSection("fetch")))
	if err != nil {
		t.Errorf("expected config to be valid, but got error: %s", err)
		return
	}
	sc, err := c.Section("script")
	if err != nil {
		t.Errorf("expected to get section named script, but got error: %s", err)
		return
	}
	sf, err := sc.Section("fetch")
	if err != nil {
		t.Errorf("expected to get inherited section fetch, but got error: %s", err)
		return
	}
	if ua, ok := sf.String("user_agent"); !ok || ua != "klaver-test" {
		t.Errorf("expected user_agent to be inherited, got %q", ua)
	}
}

func TestNew_unsetOptions(t *testing.T) {
	co := &rootOptions{RootPath: "/srv/klaver"}
	c, err := config.Wrap(co,
		config.WithOption("root_path"),
		config.WithGenericSection("vm",
			config.WithOption("modules_path"),
			config.WithInheritedOption("root_path")),
		config.WithGenericSection("fetch",
			config.WithOptions("base_url", "timeout", "max_conns_per_host"),
			config.WithInheritedOption("user_agent")),
		config.WithOption("user_agent"))
	if err != nil {
		t.Errorf("expected config to be valid, but got error: %s", err)
		return
	}
	v, err := c.Section("vm")
	if err != nil {
		t.Errorf("expected to get section named vm, but got error: %s", err)
		return
	}
	if mp, ok := v.String("modules_path"); ok {
		t.Errorf("expected modules_path to be unset, got %q", mp)
	}
	if rp, ok := v.String("root_path"); !ok || rp != "/srv/klaver" {
		t.Errorf("expected inherited root_path, got %q", rp)
	}
	f, err := c.Section("fetch")
	if err != nil {
		t.Errorf("expected to get section named fetch, but got error: %s", err)
		return
	}
	if _, ok := f.Duration("timeout"); ok {
		t.Errorf("expected timeout to be unset")
	}
	if _, ok := f.Get("user_agent"); ok {
		t.Errorf("expected inherited user_agent to be unset")
	}
}

func TestWrap_nilStructSection(t *testing.T) {
	co := &rootOptions{}
	c, err := config.Wrap(co, config.WithGenericSection("Fetch", config.WithOption("base_url")))
	if err != nil {
		t.Errorf("expected config to be valid, but got error: %s", err)
		return
	}
	f, err := c.Section("Fetch")
	if err != nil {
		t.Errorf("expected to get section named Fetch, but got error: %s", err)
		return
	}
	f.Set("max_conns_per_host", int64(3))
	if co.Fetch == nil || co.Fetch.MaxConnsPerHost != 3 {
		t.Errorf("expected Fetch field to be allocated and updated, got %+v", co.Fetch)
	}
}

type fetchPlugin struct {
	conf config.Config
}

func (p *fetchPlugin) Name() string {
	return "fetch"
}

func (p *fetchPlugin) Options() []config.SetupOption {
	return []config.SetupOption{
		config.WithOptions("base_url", "timeout", "dial_timeout", "max_conns_per_host"),
		config.WithInheritedOption("root_path"),
	}
}

func (p *fetchPlugin) Configure(c config.Config) error {
	p.conf = c
	return nil
}

type failingPlugin struct{}

func (failingPlugin) Name() string {
	return "failing"
}

func (failingPlugin) Options() []config.SetupOption {
	return []config.SetupOption{config.WithRequiredOption("endpoint")}
}

func (failingPlugin) Configure(config.Config) error {
	return nil
}

func TestConfigPlugin(t *testing.T) {
	m := plugin.NewManager()
	m.RegisterFunc(config.Initialize)
	if errs := m.Configure(); len(errs) > 0 {
		t.Errorf("unexpected errors: %v", errs)
		return
	}
	co := &rootOptions{RootPath: "/srv/klaver"}
	if err := config.ConfigurePlugin(m, config.WithInitValue(co)); err != nil {
		t.Errorf("unexpected error: %s", err)
		return
	}
	fp := &fetchPlugin{}
	m.RegisterFunc(func(*plugin.Manager) (plugin.Plugin, error) {
		return fp, nil
	})
	if errs := m.Configure(); len(errs) > 0 {
		t.Errorf("unexpected errors: %v", errs)
		return
	}
	if fp.conf == nil {
		t.Errorf("expected fetch plugin to be configured")
		return
	}
	if _, ok := fp.conf.String("base_url"); ok {
		t.Errorf("expected base_url to be unset")
	}
	if rp, _ := fp.conf.String("root_path"); rp != "/srv/klaver" {
		t.Errorf("expected inherited root_path, got %q", rp)
	}

	m.RegisterFunc(func(*plugin.Manager) (plugin.Plugin, error) {
		return failingPlugin{}, nil
	})
	errs := m.Configure()
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), `required option "endpoint" is empty`) {
		t.Errorf("expected a required option error, got: %v", errs)
	}
}
