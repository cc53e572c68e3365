package hooks

import (
	"context"

	"github.com/rs/zerolog"
)

// Plugin is a named module that registers handlers during Setup.
type Plugin interface {
	Name() string
	Setup(pc *PluginContext) error
}

type funcPlugin struct {
	name  string
	setup func(*PluginContext) error
}

func (p *funcPlugin) Name() string { return p.name }

func (p *funcPlugin) Setup(pc *PluginContext) error { return p.setup(pc) }

// NewPlugin adapts a setup function into a Plugin.
func NewPlugin(name string, setup func(pc *PluginContext) error) Plugin {
	return &funcPlugin{name: name, setup: setup}
}

// PluginContext is handed to Plugin.Setup. Registrations made through it are
// owned by the plugin and removed when the plugin is unused.
type PluginContext struct {
	engine *Engine
	name   string
	logger zerolog.Logger
}

// Name returns the plugin name the context is bound to.
func (pc *PluginContext) Name() string {
	return pc.name
}

// Logger returns a logger tagged with the plugin name.
func (pc *PluginContext) Logger() *zerolog.Logger {
	return &pc.logger
}

// On registers fn on hook for this plugin.
func (pc *PluginContext) On(hook string, fn HandlerFunc, opts ...HandlerOption) Handle {
	return pc.engine.register(pc.name, hook, fn, opts)
}

// Off removes one of this plugin's handlers.
func (pc *PluginContext) Off(h Handle) bool {
	if h.Plugin != pc.name {
		return false
	}
	return pc.engine.Off(h)
}

// Emit queues ev for a deferred dispatch of hook.
func (pc *PluginContext) Emit(hook string, ev Event) bool {
	return pc.engine.Emit(hook, ev)
}

// Dispatch runs hook synchronously. Pass the context received by the calling
// handler so recursion through the same hook is detected.
func (pc *PluginContext) Dispatch(ctx context.Context, hook string, ev Event) Event {
	return pc.engine.Dispatch(ctx, hook, ev)
}

// Cleanup registers fn to run when the plugin is removed. Cleanups run in
// reverse registration order.
func (pc *PluginContext) Cleanup(fn func()) {
	pc.engine.addCleanup(pc.name, fn)
}
