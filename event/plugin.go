package event

import (
	"code.dopame.me/veonik/klaver/plugin"

	"github.com/pkg/errors"
)

// FromPlugins returns the event plugin's Dispatcher or an error if it fails.
func FromPlugins(m *plugin.Manager) (*Dispatcher, error) {
	plg, err := m.Lookup("event")
	if err != nil {
		return nil, err
	}
	mplg, ok := plg.(*eventPlugin)
	if !ok {
		return nil, errors.Errorf("event: received unexpected plugin type")
	}
	return mplg.dispatcher, nil
}

// Initialize is a plugin.Initializer that initializes an event plugin.
func Initialize(*plugin.Manager) (plugin.Plugin, error) {
	p := &eventPlugin{NewDispatcher()}
	return p, nil
}

type eventPlugin struct {
	dispatcher *Dispatcher
}

func (p *eventPlugin) Name() string {
	return "event"
}

func (p *eventPlugin) HandlePluginInit(o plugin.Plugin) error {
	p.dispatcher.Emit("plugin.INIT", map[string]interface{}{"name": o.Name(), "plugin": o})
	return nil
}

func (p *eventPlugin) HandleShutdown() {
	p.dispatcher.Stop()
}
