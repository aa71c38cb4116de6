package config_test

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"code.dopame.me/veonik/klaver/config"
)

func TestWithValuesFromFlagSet(t *testing.T) {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.String("root-path", "", "root directory")
	fs.String("fetch-base-url", "", "base url")
	fs.Int("fetch-max-conns-per-host", 0, "connection limit")
	if err := fs.Parse([]string{"-root-path", "/tmp/k", "-fetch-base-url", "http://localhost:3000/", "-fetch-max-conns-per-host", "2"}); err != nil {
		t.Errorf("unexpected error parsing flagset: %s", err)
		return
	}
	c, err := config.New(
		config.WithRequiredOption("root_path"),
		config.WithGenericSection("fetch", config.WithOptions("base_url", "max_conns_per_host")),
		config.WithValuesFromFlagSet(fs))
	if err != nil {
		t.Errorf("expected config to be valid, but got error: %s", err)
		return
	}
	if rp, ok := c.String("root_path"); !ok || rp != "/tmp/k" {
		t.Errorf("expected root_path to be /tmp/k, got %q", rp)
	}
	f, err := c.Section("fetch")
	if err != nil {
		t.Errorf("expected to get section named fetch, but got error: %s", err)
		return
	}
	if u, ok := f.String("base_url"); !ok || u != "http://localhost:3000/" {
		t.Errorf("expected base_url from flag, got %q", u)
	}
	if n, ok := f.Int("max_conns_per_host"); !ok || n != 2 {
		t.Errorf("expected max_conns_per_host to be 2, got %d", n)
	}
}

func TestWithValuesFromMap(t *testing.T) {
	c, err := config.New(
		config.WithGenericSection("fetch", config.WithOptions("userAgent", "timeout")),
		config.WithValuesFromMap(map[string]interface{}{
			"fetch-user-agent": "klaver-map",
			"fetchTimeout":     "250ms",
		}))
	if err != nil {
		t.Errorf("expected config to be valid, but got error: %s", err)
		return
	}
	f, err := c.Section("fetch")
	if err != nil {
		t.Errorf("expected to get section named fetch, but got error: %s", err)
		return
	}
	if ua, ok := f.String("userAgent"); !ok || ua != "klaver-map" {
		t.Errorf("expected userAgent from map, got %q", ua)
	}
	if d, ok := f.Duration("timeout"); !ok || d.Milliseconds() != 250 {
		t.Errorf("expected timeout of 250ms, got %s", d)
	}
}

func TestWithValuesFromEnv(t *testing.T) {
	t.Setenv("KLAVER_TEST_FETCH_TIMEOUT", "3s")
	t.Setenv("KLAVER_TEST_FETCH_MAX_CONNS_PER_HOST", "6")
	t.Setenv("KLAVER_TEST_FETCH_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("KLAVER_TEST_UNKNOWN", "ignored")
	c, err := config.New(
		config.WithGenericSection("fetch",
			config.WithOptions("timeout", "max_conns_per_host", "insecure_skip_verify")),
		config.WithValuesFromEnv("KLAVER_TEST_"))
	if err != nil {
		t.Errorf("expected config to be valid, but got error: %s", err)
		return
	}
	f, err := c.Section("fetch")
	if err != nil {
		t.Errorf("expected to get section named fetch, but got error: %s", err)
		return
	}
	if d, ok := f.Duration("timeout"); !ok || d != 3*time.Second {
		t.Errorf("expected timeout of 3s, got %s", d)
	}
	if n, ok := f.Int("max_conns_per_host"); !ok || n != 6 {
		t.Errorf("expected max_conns_per_host to be 6, got %d", n)
	}
	if b, ok := f.Bool("insecure_skip_verify"); !ok || !b {
		t.Errorf("expected insecure_skip_verify to be true")
	}
	if _, ok := c.Get("unknown"); ok {
		t.Errorf("expected undeclared variable to be ignored")
	}
}

func TestWithValuesFromFlagSet_overridesTOML(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(fn, []byte("[fetch]\nuser_agent = \"from-file\"\nbase_url = \"http://file.test/\"\n"), 0644); err != nil {
		t.Errorf("unable to write config file: %s", err)
		return
	}
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.String("fetch-user-agent", "", "user agent")
	if err := fs.Parse([]string{"-fetch-user-agent", "from-flag"}); err != nil {
		t.Errorf("unexpected error parsing flagset: %s", err)
		return
	}
	c, err := config.New(
		config.WithGenericSection("fetch", config.WithOptions("user_agent", "base_url")),
		config.WithValuesFromTOMLFile(fn),
		config.WithValuesFromFlagSet(fs))
	if err != nil {
		t.Errorf("expected config to be valid, but got error: %s", err)
		return
	}
	f, _ := c.Section("fetch")
	if ua, _ := f.String("user_agent"); ua != "from-flag" {
		t.Errorf("expected flag to override file, got %q", ua)
	}
	if u, _ := f.String("base_url"); u != "http://file.test/" {
		t.Errorf("expected base_url from file, got %q", u)
	}
}
