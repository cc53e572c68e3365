package hooks

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/watzon/fixiplug/internal/events"
)

// Observer receives engine activity. Implementations must be safe for concurrent use.
type Observer interface {
	events.Observer
	DispatchCompleted(hook string, handlers int, duration time.Duration)
	DispatchRefused(hook string)
	HandlerFailed(plugin, hook string)
}

type nopObserver struct{}

func (nopObserver) EmitQueued(string)                            {}
func (nopObserver) EmitDropped(string, string)                   {}
func (nopObserver) QueueDepth(int)                               {}
func (nopObserver) DispatchCompleted(string, int, time.Duration) {}
func (nopObserver) DispatchRefused(string)                       {}
func (nopObserver) HandlerFailed(string, string)                 {}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger   zerolog.Logger
	bus      events.BusConfig
	observer Observer
}

// WithLogger sets the logger. Default is the global zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBusConfig sets the deferred bus limits.
func WithBusConfig(cfg events.BusConfig) Option {
	return func(o *options) {
		o.bus = cfg
	}
}

// WithObserver sets the observer notified of dispatch and emit activity.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

type pluginRecord struct {
	plugin   Plugin
	cleanups []func()
}

// Engine holds the hook registry, the plugin registry and the deferred bus.
//
// Thread Safety:
// Registry state is guarded by a read-write mutex. Handlers run without the
// lock held, so they may register, remove or dispatch freely.
type Engine struct {
	mu       sync.RWMutex
	handlers map[string][]*handlerEntry
	plugins  map[string]*pluginRecord
	disabled map[string]struct{}
	nextID   uint64
	closed   bool

	bus      *events.Bus[Event]
	logger   zerolog.Logger
	observer Observer
}

// New creates an engine and starts its deferred bus worker.
func New(opts ...Option) *Engine {
	o := options{
		logger:   log.Logger,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}

	e := &Engine{
		handlers: make(map[string][]*handlerEntry),
		plugins:  make(map[string]*pluginRecord),
		disabled: make(map[string]struct{}),
		logger:   o.logger.With().Str("component", "hooks").Logger(),
		observer: o.observer,
	}

	busCfg := o.bus
	busCfg.Logger = &o.logger
	busCfg.Observer = o.observer
	e.bus = events.NewBus(e.dispatchDeferred, &busCfg)

	return e
}

// Use installs a plugin and runs its Setup exactly once.
//
// If Setup fails, every handler it registered is removed, its cleanups run
// and the plugin is not installed.
func (e *Engine) Use(p Plugin) error {
	if p == nil || p.Name() == "" {
		return ErrInvalidPlugin
	}
	name := p.Name()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if _, exists := e.plugins[name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginExists, name)
	}
	e.plugins[name] = &pluginRecord{plugin: p}
	e.mu.Unlock()

	pc := &PluginContext{
		engine: e,
		name:   name,
		logger: e.logger.With().Str("plugin", name).Logger(),
	}

	if err := runSetup(p, pc); err != nil {
		e.remove(name)
		e.logger.Error().Err(err).Str("plugin", name).Msg("Plugin setup failed")
		return fmt.Errorf("setting up plugin %s: %w", name, err)
	}

	e.logger.Debug().Str("plugin", name).Msg("Plugin installed")
	return nil
}

func runSetup(p Plugin, pc *PluginContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return p.Setup(pc)
}

// Unuse removes a plugin's handlers, runs its cleanups and forgets it.
// It reports false if no plugin has that name.
func (e *Engine) Unuse(name string) bool {
	if !e.remove(name) {
		e.logger.Debug().Str("plugin", name).Msg("Unuse of unknown plugin ignored")
		return false
	}
	e.logger.Debug().Str("plugin", name).Msg("Plugin removed")
	return true
}

func (e *Engine) remove(name string) bool {
	e.mu.Lock()
	rec, ok := e.plugins[name]
	if !ok {
		e.mu.Unlock()
		return false
	}

	for hook, entries := range e.handlers {
		kept := slices.DeleteFunc(slices.Clone(entries), func(h *handlerEntry) bool {
			return h.plugin == name
		})
		if len(kept) == 0 {
			delete(e.handlers, hook)
		} else {
			e.handlers[hook] = kept
		}
	}
	delete(e.plugins, name)
	delete(e.disabled, name)
	cleanups := rec.cleanups
	e.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		e.runCleanup(name, cleanups[i])
	}
	return true
}

func (e *Engine) runCleanup(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("plugin", name).Msg("Plugin cleanup panicked")
		}
	}()
	fn()
}

// Enable re-activates a disabled plugin. It reports false for unknown names.
func (e *Engine) Enable(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.plugins[name]; !ok {
		return false
	}
	delete(e.disabled, name)
	e.logger.Debug().Str("plugin", name).Msg("Plugin enabled")
	return true
}

// Disable keeps a plugin's handlers registered but skips them from the next
// dispatch on. It reports false for unknown names.
func (e *Engine) Disable(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.plugins[name]; !ok {
		return false
	}
	e.disabled[name] = struct{}{}
	e.logger.Debug().Str("plugin", name).Msg("Plugin disabled")
	return true
}

// IsEnabled reports whether name is installed and enabled.
func (e *Engine) IsEnabled(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, installed := e.plugins[name]
	_, disabled := e.disabled[name]
	return installed && !disabled
}

// On registers fn on hook outside of any plugin.
func (e *Engine) On(hook string, fn HandlerFunc, opts ...HandlerOption) Handle {
	return e.register(AnonymousPlugin, hook, fn, opts)
}

// Off removes a single handler. It reports false if the handle is unknown.
func (e *Engine) Off(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.handlers[h.Hook]
	idx := slices.IndexFunc(entries, func(entry *handlerEntry) bool {
		return entry.id == h.ID
	})
	if idx < 0 {
		return false
	}

	kept := slices.Delete(slices.Clone(entries), idx, idx+1)
	if len(kept) == 0 {
		delete(e.handlers, h.Hook)
	} else {
		e.handlers[h.Hook] = kept
	}
	return true
}

func (e *Engine) register(plugin, hook string, fn HandlerFunc, opts []HandlerOption) Handle {
	entry := &handlerEntry{
		hook:   hook,
		plugin: plugin,
		fn:     fn,
	}
	for _, opt := range opts {
		opt(entry)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	entry.id = e.nextID

	// Copy on write: dispatches in flight keep iterating their own snapshot.
	next := append(slices.Clone(e.handlers[hook]), entry)
	slices.SortStableFunc(next, func(a, b *handlerEntry) int {
		return cmp.Compare(b.priority, a.priority)
	})
	e.handlers[hook] = next

	e.logger.Debug().
		Str("hook", hook).
		Str("plugin", plugin).
		Int("priority", entry.priority).
		Msg("Handler registered")

	return Handle{ID: entry.id, Hook: hook, Plugin: plugin}
}

func (e *Engine) addCleanup(plugin string, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec, ok := e.plugins[plugin]; ok {
		rec.cleanups = append(rec.cleanups, fn)
	}
}

// Emit queues ev for a later dispatch of hook. It reports whether the event
// was accepted; loop and capacity limits drop events instead of blocking.
func (e *Engine) Emit(hook string, ev Event) bool {
	return e.bus.Emit(hook, ev)
}

// Flush waits until every deferred event queued so far has been dispatched.
func (e *Engine) Flush(ctx context.Context) error {
	return e.bus.Flush(ctx)
}

// BusStats returns the deferred bus counters.
func (e *Engine) BusStats() events.Stats {
	return e.bus.Stats()
}

// Hooks lists every hook with its handlers in execution order.
func (e *Engine) Hooks() []HookInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]HookInfo, 0, len(e.handlers))
	for name, entries := range e.handlers {
		info := HookInfo{Name: name, Handlers: make([]HandlerInfo, 0, len(entries))}
		for _, h := range entries {
			_, disabled := e.disabled[h.plugin]
			info.Handlers = append(info.Handlers, HandlerInfo{
				Plugin:   h.plugin,
				Priority: h.priority,
				Enabled:  !disabled,
			})
		}
		result = append(result, info)
	}

	slices.SortFunc(result, func(a, b HookInfo) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return result
}

// Plugins lists installed plugins sorted by name.
func (e *Engine) Plugins() []PluginInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	hooksByPlugin := make(map[string][]string)
	for hook, entries := range e.handlers {
		for _, h := range entries {
			if !slices.Contains(hooksByPlugin[h.plugin], hook) {
				hooksByPlugin[h.plugin] = append(hooksByPlugin[h.plugin], hook)
			}
		}
	}

	result := make([]PluginInfo, 0, len(e.plugins))
	for name := range e.plugins {
		_, disabled := e.disabled[name]
		names := hooksByPlugin[name]
		slices.Sort(names)
		result = append(result, PluginInfo{
			Name:    name,
			Enabled: !disabled,
			Hooks:   names,
		})
	}

	slices.SortFunc(result, func(a, b PluginInfo) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return result
}

// Close removes every plugin and stops the deferred bus.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.closed = true
	names := make([]string, 0, len(e.plugins))
	for name := range e.plugins {
		names = append(names, name)
	}
	e.mu.Unlock()

	e.bus.Close()

	slices.Sort(names)
	for _, name := range names {
		e.remove(name)
	}
	return nil
}
