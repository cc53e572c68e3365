package hooks

import (
	"context"
	"maps"
)

// PluginErrorHook receives {plugin, hookName, error, event} when a handler fails.
const PluginErrorHook = "pluginError"

// AnonymousPlugin is the owner recorded for handlers registered directly on the engine.
const AnonymousPlugin = "anonymous"

// Event is the payload passed through a hook's handler pipeline.
type Event map[string]any

// Clone returns a shallow copy of the event. A nil event clones to an empty one.
func (e Event) Clone() Event {
	if e == nil {
		return Event{}
	}
	return maps.Clone(e)
}

// String returns the string value stored under key, or "".
func (e Event) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// Err returns the "error" field of a result event, or "".
func (e Event) Err() string {
	return e.String("error")
}

// HandlerFunc handles one step of a hook pipeline.
//
// Returning a nil event passes the received event through. Returning an
// error marks the handler as failed; its output is discarded.
type HandlerFunc func(ctx context.Context, ev Event) (Event, error)

// Handle identifies a registered handler so it can be removed with Off.
type Handle struct {
	ID     uint64
	Hook   string
	Plugin string
}

// Valid reports whether h refers to a registration.
func (h Handle) Valid() bool {
	return h.ID != 0
}

// HandlerOption configures a handler registration.
type HandlerOption func(*handlerEntry)

// WithPriority sets the handler priority. Higher priorities run first;
// the default is 0.
func WithPriority(priority int) HandlerOption {
	return func(h *handlerEntry) {
		h.priority = priority
	}
}

type handlerEntry struct {
	id       uint64
	hook     string
	plugin   string
	priority int
	fn       HandlerFunc
}

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Plugin   string `json:"plugin"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

// HookInfo describes a hook and its handlers in execution order.
type HookInfo struct {
	Name     string        `json:"name"`
	Handlers []HandlerInfo `json:"handlers"`
}

// PluginInfo describes an installed plugin.
type PluginInfo struct {
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"`
	Hooks   []string `json:"hooks"`
}
