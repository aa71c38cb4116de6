package config

import (
	"code.dopame.me/veonik/klaver/plugin"

	"github.com/pkg/errors"
)

const pluginName = "config"

func pluginFromPlugins(m *plugin.Manager) (*configPlugin, error) {
	p, err := m.Lookup(pluginName)
	if err != nil {
		return nil, err
	}
	mp, ok := p.(*configPlugin)
	if !ok {
		return nil, errors.Errorf("%s: received unexpected plugin type", pluginName)
	}
	return mp, nil
}

// ConfigurePlugin adds opts to the config plugin and rebuilds its Config.
// Plugins initialized afterwards see the values these options provide.
func ConfigurePlugin(m *plugin.Manager, opts ...SetupOption) error {
	mp, err := pluginFromPlugins(m)
	if err != nil {
		return err
	}
	return mp.Configure(opts...)
}

// Initialize is a plugin.Initializer that initializes the config plugin.
func Initialize(*plugin.Manager) (plugin.Plugin, error) {
	return &configPlugin{}, nil
}

type configPlugin struct {
	opts    []SetupOption
	current Config
}

// A configurablePlugin declares a section of options and is configured with
// that section once it is initialized.
type configurablePlugin interface {
	plugin.Plugin

	Options() []SetupOption
	Configure(config Config) error
}

func (p *configPlugin) HandlePluginInit(op plugin.Plugin) error {
	cp, ok := op.(configurablePlugin)
	if !ok {
		return nil
	}
	name := cp.Name()
	if err := p.Configure(WithGenericSection(name, cp.Options()...)); err != nil {
		return errors.Wrapf(err, "%s: unable to add section for %s", pluginName, name)
	}
	v, err := p.current.Section(name)
	if err != nil {
		return errors.Wrapf(err, "%s: missing section for %s", pluginName, name)
	}
	if err := cp.Configure(v); err != nil {
		return errors.Wrapf(err, "%s: unable to configure %s", pluginName, name)
	}
	return nil
}

func (p *configPlugin) Name() string {
	return pluginName
}

func (p *configPlugin) Configure(opts ...SetupOption) error {
	all := append(append([]SetupOption{}, p.opts...), opts...)
	nc, err := Wrap(p.current, all...)
	if err != nil {
		return err
	}
	p.opts = all
	p.current = nc
	return nil
}
