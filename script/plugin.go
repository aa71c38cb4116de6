package script

import (
	"path/filepath"

	"code.dopame.me/veonik/klaver/config"
	"code.dopame.me/veonik/klaver/plugin"
	"code.dopame.me/veonik/klaver/vm"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const pluginName = "script"

const defaultScriptsPath = "scripts"

// Initialize is a valid plugin.Initializer
func Initialize(m *plugin.Manager) (plugin.Plugin, error) {
	vp, err := vm.FromPlugins(m)
	if err != nil {
		return nil, err
	}
	p := &scriptPlugin{vm: vp}
	return p, nil
}

func FromPlugins(m *plugin.Manager) (*Manager, error) {
	mp, err := pluginFromPlugins(m)
	if err != nil {
		return nil, err
	}
	if mp.manager == nil {
		return nil, errors.Errorf("%s: plugin is not configured", pluginName)
	}
	return mp.manager, nil
}

func pluginFromPlugins(m *plugin.Manager) (*scriptPlugin, error) {
	p, err := m.Lookup(pluginName)
	if err != nil {
		return nil, err
	}
	mp, ok := p.(*scriptPlugin)
	if !ok {
		return nil, errors.Errorf("%s: received unexpected plugin type", pluginName)
	}
	return mp, nil
}

type scriptPlugin struct {
	vm      *vm.VM
	manager *Manager
}

// HandleRuntimeInit runs every script in scripts_path. Scripts run
// synchronously, in name order, before any other queued job.
func (p *scriptPlugin) HandleRuntimeInit(r *goja.Runtime) {
	if p.manager == nil {
		logrus.Warnf("%s: runtime initialized before plugin was configured", pluginName)
		return
	}
	ss, err := p.manager.LoadAll()
	if err != nil {
		logrus.Warnf("%s: error loading scripts from %s: %s", pluginName, p.manager.rootDir, err)
		return
	}
	logrus.Debugf("%s: loaded %d scripts from %s", pluginName, len(ss), p.manager.rootDir)
	for _, s := range ss {
		logrus.Infof("%s: running %s", pluginName, s.Name)
		pr, err := p.vm.Compile(s.Name, s.Body)
		if err != nil {
			logrus.Warnf("%s: error compiling %s: %s", pluginName, s.Name, err)
			continue
		}
		if _, err := r.RunProgram(pr); err != nil {
			logrus.Warnf("%s: error running %s: %s", pluginName, s.Name, err)
		}
	}
}

func (p *scriptPlugin) Options() []config.SetupOption {
	return []config.SetupOption{
		config.WithOption("scripts_path"),
		config.WithInheritedOption("root_path"),
	}
}

func (p *scriptPlugin) Configure(conf config.Config) error {
	r, ok := conf.String("scripts_path")
	if !ok || r == "" {
		r = defaultScriptsPath
	}
	if !filepath.IsAbs(r) {
		if rr, ok := conf.String("root_path"); ok {
			r = filepath.Join(rr, r)
		}
	}
	p.manager = NewManager(r)
	return nil
}

func (p *scriptPlugin) Name() string {
	return pluginName
}
