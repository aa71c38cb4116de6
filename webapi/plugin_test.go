package webapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.dopame.me/veonik/klaver/config"
	"code.dopame.me/veonik/klaver/event"
	"code.dopame.me/veonik/klaver/plugin"
	"code.dopame.me/veonik/klaver/vm"
)

func TestClientConfig(t *testing.T) {
	p := &fetchPlugin{}
	conf, err := config.Wrap(map[string]interface{}{
		"timeout":              "1500ms",
		"dial_timeout":         250,
		"max_conns_per_host":   2,
		"max_idle_per_host":    1,
		"user_agent":           "-",
		"insecure_skip_verify": true,
		"high_water_mark":      1024,
	}, p.Options()...)
	require.NoError(t, err)
	cfg := clientConfig(conf)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.DialTimeout)
	assert.Zero(t, cfg.IdleTimeout)
	assert.Equal(t, 2, cfg.MaxConnsPerHost)
	assert.Equal(t, 1, cfg.MaxIdlePerHost)
	assert.Equal(t, "-", cfg.UserAgent)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, 1024, cfg.HighWaterMark)
	assert.Empty(t, cfg.ProxyURL)
}

func TestPlugin(t *testing.T) {
	m := plugin.NewManager()
	m.RegisterFunc(config.Initialize)
	require.Empty(t, m.Configure())
	require.NoError(t, config.ConfigurePlugin(m,
		config.WithInitValue(map[string]interface{}{"root_path": t.TempDir()})))
	m.RegisterFunc(event.Initialize)
	m.RegisterFunc(vm.Initialize)
	m.RegisterFunc(Initialize)
	require.Empty(t, m.Configure())

	h, err := FromPlugins(m)
	require.NoError(t, err)
	assert.Nil(t, h.fetcher.BaseURL())
	assert.NotNil(t, h.events)

	v, err := vm.FromPlugins(m)
	require.NoError(t, err)
	require.NoError(t, v.Start())
	defer m.Shutdown()
	res, err := v.RunString(`typeof fetch + "|" + typeof require("@klaver/http").Client`).Await()
	require.NoError(t, err)
	assert.Equal(t, "function|function", res.String())
}

func TestInitialize_requiresVM(t *testing.T) {
	m := plugin.NewManager()
	_, err := Initialize(m)
	assert.Error(t, err)
}
