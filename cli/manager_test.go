package cli_test

import (
	"os"
	"path/filepath"
	"testing"

	"code.dopame.me/veonik/klaver/cli"
	"code.dopame.me/veonik/klaver/vm"
	"code.dopame.me/veonik/klaver/webapi"
)

func TestManager_Start_withoutConfigFile(t *testing.T) {
	root := t.TempDir()
	m, err := cli.NewManager(root, nil)
	if err != nil {
		t.Errorf("unexpected error creating manager: %s", err)
		return
	}
	if err := m.Start(); err != nil {
		t.Errorf("unexpected error starting manager: %s", err)
		return
	}
	defer func() {
		if err := m.Shutdown(); err != nil {
			t.Errorf("unexpected error shutting down: %s", err)
		}
	}()

	h, err := webapi.FromPlugins(m.Plugins())
	if err != nil {
		t.Errorf("expected fetch plugin to be configured: %s", err)
		return
	}
	if st := h.Client().Stats(); st.Open != 0 {
		t.Errorf("expected no open connections, got %d", st.Open)
	}

	fn := filepath.Join(root, "main.js")
	if err := os.WriteFile(fn, []byte(`globalThis.kinds = [typeof fetch, typeof AbortController, typeof require("@klaver/http").createCancel].join(",");`), 0644); err != nil {
		t.Errorf("unable to write script: %s", err)
		return
	}
	if err := m.RunFiles(fn); err != nil {
		t.Errorf("unexpected error running script: %s", err)
		return
	}
	v, err := vm.FromPlugins(m.Plugins())
	if err != nil {
		t.Errorf("expected vm plugin to exist: %s", err)
		return
	}
	res, err := v.RunString(`kinds`).Await()
	if err != nil {
		t.Errorf("unexpected error: %s", err)
		return
	}
	if s := res.String(); s != "function,function,function" {
		t.Errorf("expected globals to be installed, got %s", s)
	}
}

func TestManager_Start_envOverrides(t *testing.T) {
	t.Setenv("KLAVER_FETCH_BASE_URL", "http://127.0.0.1:1/api/")
	m, err := cli.NewManager(t.TempDir(), nil)
	if err != nil {
		t.Errorf("unexpected error creating manager: %s", err)
		return
	}
	if err := m.Start(); err != nil {
		t.Errorf("unexpected error starting manager: %s", err)
		return
	}
	defer m.Shutdown()
	v, err := vm.FromPlugins(m.Plugins())
	if err != nil {
		t.Errorf("expected vm plugin to exist: %s", err)
		return
	}
	res, err := v.RunString(`new Request("users").url`).Await()
	if err != nil {
		t.Errorf("unexpected error: %s", err)
		return
	}
	if s := res.String(); s != "http://127.0.0.1:1/api/users" {
		t.Errorf("expected relative URL to resolve against the env base, got %s", s)
	}
}
