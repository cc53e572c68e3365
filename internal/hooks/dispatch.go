package hooks

import (
	"context"
	"fmt"
	"time"
)

// Dispatch runs the handlers registered on hook in priority order and
// returns the resulting event. It never fails: handler errors and panics are
// reported on PluginErrorHook and the pipeline continues with the last
// known-good event.
//
// Dispatching a hook that is already running further up the same call chain
// is refused and ev is returned unchanged. Use Emit to re-trigger a hook from
// one of its own handlers.
func (e *Engine) Dispatch(ctx context.Context, hook string, ev Event) Event {
	if ctx == nil {
		ctx = context.Background()
	}
	if ev == nil {
		ev = Event{}
	}

	parent := CallFromContext(ctx)
	if parent.Active(hook) {
		e.logger.Warn().
			Str("hook", hook).
			Strs("chain", parent.Chain()).
			Msg("Recursive dispatch refused")
		e.observer.DispatchRefused(hook)
		return ev
	}

	entries := e.snapshot(hook)
	if len(entries) == 0 {
		return ev
	}

	call := parent.child(hook)
	ctx = withCall(ctx, call)

	current := ev
	for _, h := range entries {
		out, err := e.invoke(ctx, h, current)
		if err != nil {
			e.handlerFailed(ctx, h, err, current)
			continue
		}
		current = out
	}

	e.observer.DispatchCompleted(hook, len(entries), time.Since(call.Started))
	return current
}

// snapshot returns the enabled handlers for hook at this instant.
func (e *Engine) snapshot(hook string) []*handlerEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entries := e.handlers[hook]
	if len(e.disabled) == 0 {
		return entries
	}

	active := make([]*handlerEntry, 0, len(entries))
	for _, h := range entries {
		if _, off := e.disabled[h.plugin]; !off {
			active = append(active, h)
		}
	}
	return active
}

// invoke runs one handler on a copy of ev so a failing handler cannot leave
// partial top-level mutations behind.
func (e *Engine) invoke(ctx context.Context, h *handlerEntry, ev Event) (out Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	input := ev.Clone()
	out, err = h.fn(ctx, input)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return input, nil
	}
	return out, nil
}

func (e *Engine) handlerFailed(ctx context.Context, h *handlerEntry, err error, ev Event) {
	e.logger.Error().
		Err(err).
		Str("plugin", h.plugin).
		Str("hook", h.hook).
		Msg("Handler failed")
	e.observer.HandlerFailed(h.plugin, h.hook)

	// A failing error handler is logged only; reporting it again would recurse.
	if h.hook == PluginErrorHook {
		return
	}

	e.Dispatch(ctx, PluginErrorHook, Event{
		"plugin":   h.plugin,
		"hookName": h.hook,
		"error":    err.Error(),
		"event":    ev,
	})
}

// dispatchDeferred is the bus delivery func. The bus context carries no call
// chain, so deferred dispatches are never refused as recursive.
func (e *Engine) dispatchDeferred(ctx context.Context, hook string, ev Event) {
	e.Dispatch(ctx, hook, ev)
}
