package vm

import (
	"os"
	"path/filepath"

	"code.dopame.me/veonik/klaver/config"
	"code.dopame.me/veonik/klaver/plugin"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const pluginName = "vm"

const defaultModulesPath = "node_modules"

func pluginFromPlugins(m *plugin.Manager) (*vmPlugin, error) {
	p, err := m.Lookup(pluginName)
	if err != nil {
		return nil, err
	}
	mp, ok := p.(*vmPlugin)
	if !ok {
		return nil, errors.Errorf("%s: received unexpected plugin type", pluginName)
	}
	return mp, nil
}

// FromPlugins returns the vm plugin's VM or an error if it fails.
func FromPlugins(m *plugin.Manager) (*VM, error) {
	mp, err := pluginFromPlugins(m)
	if err != nil {
		return nil, err
	}
	if mp.vm == nil {
		return nil, errors.New("vm: plugin is not configured")
	}
	return mp.vm, nil
}

// Initialize is a plugin.Initializer that initializes a vm plugin.
func Initialize(*plugin.Manager) (plugin.Plugin, error) {
	p := &vmPlugin{}
	return p, nil
}

type vmPlugin struct {
	vm *VM
}

func (p *vmPlugin) Configure(conf config.Config) error {
	r, ok := conf.String("modules_path")
	if !ok || r == "" {
		r = defaultModulesPath
	}
	if !filepath.IsAbs(r) {
		if rr, ok := conf.String("root_path"); ok {
			r = filepath.Join(rr, r)
		}
	}
	logrus.Debugf("%s: configured with modules_path: %s", pluginName, r)
	if _, err := os.Stat(r); os.IsNotExist(err) {
		logrus.Warnf("%s: modules_path '%s' does not exist, only built-in modules can be required", pluginName, r)
	}
	vm, err := New(NewRegistry(r))
	if err != nil {
		return err
	}
	p.vm = vm
	return nil
}

func (p *vmPlugin) Options() []config.SetupOption {
	return []config.SetupOption{
		config.WithOption("modules_path"),
		config.WithInheritedOption("root_path")}
}

func (p *vmPlugin) Name() string {
	return pluginName
}

// A RuntimeInitHandler initializes a newly created goja.Runtime.
type RuntimeInitHandler interface {
	// Initialize and configure the given runtime.
	HandleRuntimeInit(r *goja.Runtime)
}

// A PrependRuntimeInitHandler is a RuntimeInitHandler that may be added at
// the start of the list of handlers.
type PrependRuntimeInitHandler interface {
	RuntimeInitHandler
	// PrependRuntimeInitHandler returns true if the handler should be added
	// to the start of the list of handlers.
	PrependRuntimeInitHandler() bool
}

func (p *vmPlugin) HandlePluginInit(o plugin.Plugin) error {
	if p.vm == nil {
		logrus.Warnf("%s: handling init of %s before being configured", pluginName, o.Name())
		return nil
	}
	if ih, ok := o.(RuntimeInitHandler); ok {
		if oh, ok := ih.(PrependRuntimeInitHandler); ok && oh.PrependRuntimeInitHandler() {
			p.vm.PrependRuntimeInit(ih.HandleRuntimeInit)
		} else {
			p.vm.OnRuntimeInit(ih.HandleRuntimeInit)
		}
	}
	return nil
}

func (p *vmPlugin) HandleShutdown() {
	if p.vm == nil {
		logrus.Warnf("%s: shutting down uninitialized plugin", pluginName)
		return
	}
	if err := p.vm.Shutdown(); err != nil {
		logrus.Warnf("%s: error shutting down: %s", pluginName, err)
	}
}
