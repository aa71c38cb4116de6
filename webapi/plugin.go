package webapi

import (
	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"code.dopame.me/veonik/klaver/client"
	"code.dopame.me/veonik/klaver/config"
	"code.dopame.me/veonik/klaver/event"
	"code.dopame.me/veonik/klaver/fetch"
	"code.dopame.me/veonik/klaver/plugin"
	"code.dopame.me/veonik/klaver/vm"
)

const pluginName = "fetch"

func pluginFromPlugins(m *plugin.Manager) (*fetchPlugin, error) {
	p, err := m.Lookup(pluginName)
	if err != nil {
		return nil, err
	}
	mp, ok := p.(*fetchPlugin)
	if !ok {
		return nil, errors.Errorf("%s: received unexpected plugin type", pluginName)
	}
	return mp, nil
}

// FromPlugins returns the fetch plugin's Host or an error if it fails.
func FromPlugins(m *plugin.Manager) (*Host, error) {
	mp, err := pluginFromPlugins(m)
	if err != nil {
		return nil, err
	}
	if mp.host == nil {
		return nil, errors.Errorf("%s: plugin is not configured", pluginName)
	}
	return mp.host, nil
}

// Initialize is a plugin.Initializer that initializes a fetch plugin. The
// vm plugin must already be loaded; events are emitted if the event plugin
// is loaded too.
func Initialize(m *plugin.Manager) (plugin.Plugin, error) {
	v, err := vm.FromPlugins(m)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: missing required dependency (vm)", pluginName)
	}
	p := &fetchPlugin{vm: v}
	if d, err := event.FromPlugins(m); err == nil {
		p.events = d
	} else {
		logrus.Debugf("%s: event plugin not loaded, fetch events are disabled", pluginName)
	}
	return p, nil
}

type fetchPlugin struct {
	vm     *vm.VM
	events Emitter
	client *client.Client
	host   *Host
}

func (p *fetchPlugin) Name() string {
	return pluginName
}

func (p *fetchPlugin) Options() []config.SetupOption {
	return []config.SetupOption{
		config.WithOption("base_url"),
		config.WithOption("timeout"),
		config.WithOption("dial_timeout"),
		config.WithOption("idle_timeout"),
		config.WithOption("max_conns_per_host"),
		config.WithOption("max_idle_per_host"),
		config.WithOption("user_agent"),
		config.WithOption("proxy_url"),
		config.WithOption("insecure_skip_verify"),
		config.WithOption("high_water_mark"),
	}
}

// clientConfig reads the client settings from conf.
func clientConfig(conf config.Config) client.Config {
	var cfg client.Config
	if d, ok := conf.Duration("timeout"); ok {
		cfg.Timeout = d
	}
	if d, ok := conf.Duration("dial_timeout"); ok {
		cfg.DialTimeout = d
	}
	if d, ok := conf.Duration("idle_timeout"); ok {
		cfg.IdleTimeout = d
	}
	if n, ok := conf.Int("max_conns_per_host"); ok {
		cfg.MaxConnsPerHost = n
	}
	if n, ok := conf.Int("max_idle_per_host"); ok {
		cfg.MaxIdlePerHost = n
	}
	if s, ok := conf.String("user_agent"); ok {
		cfg.UserAgent = s
	}
	if s, ok := conf.String("proxy_url"); ok {
		cfg.ProxyURL = s
	}
	if b, ok := conf.Bool("insecure_skip_verify"); ok {
		cfg.InsecureSkipVerify = b
	}
	if n, ok := conf.Int("high_water_mark"); ok {
		cfg.HighWaterMark = n
	}
	return cfg
}

func (p *fetchPlugin) Configure(conf config.Config) error {
	cfg := clientConfig(conf)
	if cfg.InsecureSkipVerify {
		logrus.Warnf("%s: tls certificate verification is disabled", pluginName)
	}
	c, err := client.New(cfg)
	if err != nil {
		return errors.Wrapf(err, "%s: unable to create client", pluginName)
	}
	base, _ := conf.String("base_url")
	f, err := fetch.New(c, fetch.WithBaseURL(base))
	if err != nil {
		return err
	}
	var opts []Option
	if p.events != nil {
		opts = append(opts, WithEmitter(p.events))
	}
	p.client = c
	p.host = New(p.vm, c, f, opts...)
	logrus.Debugf("%s: configured with timeout %s and base url %q", pluginName, cfg.Timeout, base)
	return nil
}

func (p *fetchPlugin) HandleRuntimeInit(r *goja.Runtime) {
	if p.host == nil {
		logrus.Warnf("%s: runtime initialized before plugin was configured", pluginName)
		return
	}
	p.host.Enable(r)
}

func (p *fetchPlugin) HandleShutdown() {
	if p.client == nil {
		return
	}
	if err := p.client.CloseIdle(); err != nil {
		logrus.Warnf("%s: error closing idle connections: %s", pluginName, err)
	}
}
