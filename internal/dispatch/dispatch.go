package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/protocol"
)

// Sender is the subset of a hub client's send primitives the dispatcher
// needs to answer commands. Implemented by internal/ipcclient.Client.
type Sender interface {
	SendResponseOk(to protocol.UID, cb protocol.CallbackKey, data any) error
	SendResponseTraceback(to protocol.UID, cb protocol.CallbackKey, traceback string) error
	SendResponseNotFound(to protocol.UID, cb protocol.CallbackKey) error
}

// Dispatcher routes inbound Command and Event frames to registered
// handlers and, for commands, sends back exactly one response.
type Dispatcher struct {
	log    zerolog.Logger
	sender Sender

	mu       sync.RWMutex
	commands map[string]CommandHandler
	events   map[string][]EventHandler
}

// New creates a Dispatcher that answers commands via sender.
func New(log zerolog.Logger, sender Sender) *Dispatcher {
	return &Dispatcher{
		log:      log.With().Str("component", "dispatch").Logger(),
		sender:   sender,
		commands: make(map[string]CommandHandler),
		events:   make(map[string][]EventHandler),
	}
}

// IncludeCommands merges g's handlers into the dispatcher, rejecting any
// name already registered.
func (d *Dispatcher) IncludeCommands(g *CommandGroup) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, h := range g.handlers {
		if _, exists := d.commands[name]; exists {
			return &CommandAlreadyExists{Name: name}
		}
		d.commands[name] = h
	}
	return nil
}

// IncludeEvents merges g's handlers into the dispatcher. Event names may
// repeat; handlers accumulate in registration order.
func (d *Dispatcher) IncludeEvents(g *EventGroup) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range g.order {
		d.events[name] = append(d.events[name], g.handlers[name]...)
	}
}

// DispatchCommand invokes the registered handler for c.Name and sends
// back exactly one response: ResponseNotFound if no handler exists,
// ResponseTraceback if the handler panics or returns an error, otherwise
// ResponseOk with the handler's return value.
func (d *Dispatcher) DispatchCommand(ctx context.Context, from protocol.UID, c *protocol.CommandData) {
	d.mu.RLock()
	h, ok := d.commands[c.Name]
	d.mu.RUnlock()

	if !ok {
		if err := d.sender.SendResponseNotFound(from, c.Callback); err != nil {
			d.log.Error().Err(err).Str("command", c.Name).Msg("failed to send not-found response")
		}
		return
	}

	result, err := d.runCommand(ctx, from, c, h)
	if err != nil {
		wrapped := errors.WithStack(err)
		if sendErr := d.sender.SendResponseTraceback(from, c.Callback, fmt.Sprintf("%+v", wrapped)); sendErr != nil {
			d.log.Error().Err(sendErr).Str("command", c.Name).Msg("failed to send traceback response")
		}
		return
	}
	if sendErr := d.sender.SendResponseOk(from, c.Callback, result); sendErr != nil {
		d.log.Error().Err(sendErr).Str("command", c.Name).Msg("failed to send ok response")
	}
}

func (d *Dispatcher) runCommand(ctx context.Context, from protocol.UID, c *protocol.CommandData, h CommandHandler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in command %q: %v", c.Name, r)
		}
	}()
	return h(ctx, from, c.Data)
}

// DispatchEvent invokes every registered handler for e.Name in
// registration order. A handler's error (or panic) is logged; it never
// prevents sibling handlers from running, and no response is ever sent.
func (d *Dispatcher) DispatchEvent(ctx context.Context, from protocol.UID, e *protocol.EventData) {
	d.mu.RLock()
	handlers := append([]EventHandler(nil), d.events[e.Name]...)
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := d.runEvent(ctx, from, e, h); err != nil {
			d.log.Error().Err(err).Str("event", e.Name).Msg("event handler failed")
		}
	}
}

func (d *Dispatcher) runEvent(ctx context.Context, from protocol.UID, e *protocol.EventData, h EventHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in event %q: %v", e.Name, r)
		}
	}()
	return h(ctx, from, e.Data)
}
