// Package bootloader exposes the flash devices of a core.Registry over the
// protocol link. Commands and responses are numbered in registration
// order and described to the host by a compressed JSON dictionary read
// back in chunks with identify.
package bootloader

import (
	"errors"
	"sync"

	"flashkit/protocol"
)

// Handler decodes its own arguments from data.
type Handler func(data *[]byte) error

// Command is a host command (with a handler) or a device response
// (without one).
type Command struct {
	ID      uint16
	Name    string
	Format  string
	Handler Handler
	Args    []protocol.Arg
	// Response marks a device to host message.
	Response bool
}

// Spec returns the dictionary key: name followed by the format.
func (c *Command) Spec() string {
	if c.Format == "" {
		return c.Name
	}
	return c.Name + " " + c.Format
}

var ErrUnknownCommand = errors.New("unknown command")

// Registry holds the message set of one link.
type Registry struct {
	mu       sync.RWMutex
	commands []*Command
	byName   map[string]*Command
}

// NewRegistry returns a registry holding the bootstrap pair every host
// expects first: identify_response as 0 and identify as 1. The identify
// handler is bound later by the Server.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]*Command)}
	r.Response("identify_response", "offset=%u data=%.*s")
	r.Register("identify", "offset=%u count=%c", nil)
	return r
}

// Register adds a command, or rebinds the handler of one already
// registered, and returns its id. A malformed format is a programming
// error and panics.
func (r *Registry) Register(name, format string, handler Handler) uint16 {
	return r.register(name, format, handler, false)
}

// Response registers a device to host message.
func (r *Registry) Response(name, format string) uint16 {
	return r.register(name, format, nil, true)
}

func (r *Registry) register(name, format string, handler Handler, response bool) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cmd, ok := r.byName[name]; ok {
		if handler != nil {
			cmd.Handler = handler
		}
		return cmd.ID
	}
	args, err := protocol.ParseFormat(format)
	if err != nil {
		panic("bootloader: bad format for " + name + ": " + format)
	}
	cmd := &Command{
		ID:      uint16(len(r.commands)),
		Name:    name,
		Format:  format,
		Handler:  handler,
		Args:     args,
		Response: response,
	}
	r.commands = append(r.commands, cmd)
	r.byName[name] = cmd
	return cmd.ID
}

// Get returns the message with the given id.
func (r *Registry) Get(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.commands) {
		return nil, false
	}
	return r.commands[id], true
}

// Lookup returns the message with the given name.
func (r *Registry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.byName[name]
	return cmd, ok
}

// ID returns the id of name, panicking if it was never registered.
func (r *Registry) ID(name string) uint16 {
	cmd, ok := r.Lookup(name)
	if !ok {
		panic("bootloader: unregistered message " + name)
	}
	return cmd.ID
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Each calls fn for every message in id order.
func (r *Registry) Each(fn func(*Command)) {
	r.mu.RLock()
	list := append([]*Command(nil), r.commands...)
	r.mu.RUnlock()
	for _, cmd := range list {
		fn(cmd)
	}
}

// Dispatch runs the handler of command id. Responses and unknown ids
// report ErrUnknownCommand.
func (r *Registry) Dispatch(id uint16, data *[]byte) error {
	cmd, ok := r.Get(id)
	if !ok || cmd.Handler == nil {
		return ErrUnknownCommand
	}
	return cmd.Handler(data)
}
