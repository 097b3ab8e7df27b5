// Package dispatch implements the name-keyed command/event tables: at
// most one handler per command name, an ordered list per event name.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shardhub/shardhub/internal/protocol"
)

// CommandHandler answers a single Command payload. A non-nil error becomes
// a ResponseTraceback; otherwise the returned value (which may be nil)
// becomes a ResponseOk.
type CommandHandler func(ctx context.Context, from protocol.UID, data json.RawMessage) (any, error)

// EventHandler reacts to a single Event payload. Its error is logged and
// never stops sibling handlers for the same event name.
type EventHandler func(ctx context.Context, from protocol.UID, data json.RawMessage) error

// CommandAlreadyExists is raised at registration time when two handlers
// claim the same command name. A programmer error, meant to fail loudly.
type CommandAlreadyExists struct {
	Name string
}

func (e *CommandAlreadyExists) Error() string {
	return fmt.Sprintf("dispatch: command %q already registered", e.Name)
}

// CommandGroup is a set of command handlers to be merged into a Dispatcher.
type CommandGroup struct {
	handlers map[string]CommandHandler
}

// NewCommandGroup creates an empty CommandGroup.
func NewCommandGroup() *CommandGroup {
	return &CommandGroup{handlers: make(map[string]CommandHandler)}
}

// Add registers h under name, failing if name is already used within this
// group.
func (g *CommandGroup) Add(name string, h CommandHandler) error {
	if _, exists := g.handlers[name]; exists {
		return &CommandAlreadyExists{Name: name}
	}
	g.handlers[name] = h
	return nil
}

// EventGroup is a set of event handlers to be merged into a Dispatcher.
// Unlike CommandGroup, multiple handlers may share a name; they run in
// registration order.
type EventGroup struct {
	handlers map[string][]EventHandler
	order    []string
}

// NewEventGroup creates an empty EventGroup.
func NewEventGroup() *EventGroup {
	return &EventGroup{handlers: make(map[string][]EventHandler)}
}

// Add appends h to the ordered list of handlers for name.
func (g *EventGroup) Add(name string, h EventHandler) {
	if _, seen := g.handlers[name]; !seen {
		g.order = append(g.order, name)
	}
	g.handlers[name] = append(g.handlers[name], h)
}
