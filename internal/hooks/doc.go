// Package hooks implements the plugin registry and hook dispatch engine.
//
// Plugins attach handlers to string-named hooks. Dispatch runs the handlers
// for a hook sequentially in priority order, each one receiving the event
// produced by the previous handler. A failing handler is isolated: the
// failure is reported on the PluginErrorHook and the pipeline continues with
// the last known-good event, so Dispatch always returns an event.
//
// Handlers that want to notify other plugins without re-entering them use
// Emit, which queues the event on the deferred bus and dispatches it later
// from the bus worker.
//
// Basic usage:
//
//	engine := hooks.New()
//	defer engine.Close()
//
//	err := engine.Use(hooks.NewPlugin("greeter", func(pc *hooks.PluginContext) error {
//		pc.On("greet", func(ctx context.Context, ev hooks.Event) (hooks.Event, error) {
//			ev["msg"] = fmt.Sprint(ev["msg"]) + "A"
//			return ev, nil
//		}, hooks.WithPriority(10))
//		return nil
//	}))
//
//	out := engine.Dispatch(ctx, "greet", hooks.Event{"msg": ""})
package hooks
