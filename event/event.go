// Package event is a small asynchronous event dispatcher.
//
// Events are emitted onto a buffered channel and handled one at a time by
// Loop, in the order handlers were bound. A handler may stop an event from
// reaching the handlers bound after it.
package event // import "code.dopame.me/veonik/klaver/event"

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const defaultLimit = 8

type Event struct {
	Name string
	Data map[string]interface{}

	handled bool
}

func (e *Event) StopPropagation() {
	e.handled = true
}

// A Handler handles events it is bound to.
type Handler interface {
	Handle(ev *Event)
}

// HandlerFunc adapts a func to a Handler.
type HandlerFunc func(ev *Event)

func (f HandlerFunc) Handle(ev *Event) {
	f(ev)
}

// handlerID identifies a handler for Unbind. Funcs are not comparable, so
// they are identified by their formatted pointer.
func handlerID(h Handler) string {
	return fmt.Sprintf("%T:%v", h, h)
}

type Dispatcher struct {
	handlers map[string][]Handler

	mu sync.RWMutex

	emitting chan *Event
	done     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher() *Dispatcher {
	return NewDispatcherLimit(defaultLimit)
}

// NewDispatcherLimit returns a Dispatcher that buffers up to limit events
// before Emit blocks.
func NewDispatcherLimit(limit int) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]Handler),
		emitting: make(chan *Event, limit),
		done:     make(chan struct{}),
	}
}

// Loop handles emitted events until Stop is called.
func (d *Dispatcher) Loop() {
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.emitting:
			d.mu.RLock()
			handlers := append([]Handler{}, d.handlers[ev.Name]...)
			d.mu.RUnlock()
			for _, h := range handlers {
				h.Handle(ev)
				if ev.handled {
					break
				}
			}
		}
	}
}

// Stop ends Loop. Events emitted afterward are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
}

func (d *Dispatcher) Bind(name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], handler)
}

func (d *Dispatcher) Unbind(name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hi := handlerID(handler)
	hs := d.handlers[name]
	for i, h := range hs {
		if handlerID(h) == hi {
			logrus.Debugln("event: unbinding handler for", name)
			d.handlers[name] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
	logrus.Debugln("event: no matching handler to unbind for", name)
}

// Emit queues an event. It blocks while the buffer is full.
func (d *Dispatcher) Emit(name string, data map[string]interface{}) {
	select {
	case d.emitting <- &Event{Name: name, Data: data}:
	case <-d.done:
		logrus.Debugln("event: dropping", name, "emitted after stop")
	}
}
