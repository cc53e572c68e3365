package state

import (
	"context"
	"time"

	"github.com/watzon/fixiplug/internal/hooks"
)

// PluginName is the name the coordinator registers under.
const PluginName = "stateTracker"

// Hooks served by the coordinator plugin.
const (
	HookGetCurrentState     = "api:getCurrentState"
	HookSetState            = "api:setState"
	HookWaitForState        = "api:waitForState"
	HookGetStateHistory     = "api:getStateHistory"
	HookRegisterStateSchema = "api:registerStateSchema"
	HookClearStateHistory   = "api:clearStateHistory"
	HookGetCommonStates     = "api:getCommonStates"
)

// Notifications emitted on every successful transition.
const (
	HookTransition    = "state:transition"
	HookEnteredPrefix = "state:entered:"
	HookExitedPrefix  = "state:exited:"
)

// CommonStates are conventional state names for plugins that coordinate
// on a loading lifecycle.
var CommonStates = map[string]string{
	"IDLE":      "idle",
	"LOADING":   "loading",
	"PENDING":   "pending",
	"SUCCESS":   "success",
	"ERROR":     "error",
	"COMPLETE":  "complete",
	"CANCELLED": "cancelled",
}

// Plugin returns a hooks.Plugin exposing the coordinator over the api:*
// hooks. Installing it resets the coordinator; removing it fails every
// pending waiter.
func (c *Coordinator) Plugin() hooks.Plugin {
	return hooks.NewPlugin(PluginName, c.setup)
}

func (c *Coordinator) setup(pc *hooks.PluginContext) error {
	c.reset()

	c.mu.Lock()
	c.emit = pc.Emit
	c.mu.Unlock()

	pc.On(HookGetCurrentState, func(_ context.Context, _ hooks.Event) (hooks.Event, error) {
		return c.CurrentState().ToEvent(), nil
	})

	pc.On(HookSetState, func(_ context.Context, ev hooks.Event) (hooks.Event, error) {
		validate, ok := ev["validate"].(bool)
		return c.SetState(SetStateRequest{
			State:          ev.String("state"),
			Data:           toStringMap(ev["data"]),
			SkipValidation: ok && !validate,
		}).ToEvent(), nil
	})

	pc.On(HookWaitForState, func(ctx context.Context, ev hooks.Event) (hooks.Event, error) {
		req := WaitRequest{State: ev.String("state")}
		if ms, ok := toInt64(ev["timeout"]); ok && ms > 0 {
			req.Timeout = time.Duration(ms) * time.Millisecond
		}
		return c.WaitForState(ctx, req).ToEvent(), nil
	})

	pc.On(HookGetStateHistory, func(_ context.Context, ev hooks.Event) (hooks.Event, error) {
		limit, _ := toInt64(ev["limit"])
		return c.History(int(limit)).ToEvent(), nil
	})

	pc.On(HookRegisterStateSchema, func(_ context.Context, ev hooks.Event) (hooks.Event, error) {
		schema, err := schemaFromEvent(ev)
		if err != nil {
			return SchemaResult{Error: err.Error()}.ToEvent(), nil
		}
		return c.RegisterSchema(schema).ToEvent(), nil
	})

	pc.On(HookClearStateHistory, func(_ context.Context, _ hooks.Event) (hooks.Event, error) {
		cleared := c.ClearHistory()
		return hooks.Event{"success": true, "cleared": cleared}, nil
	})

	pc.On(HookGetCommonStates, func(_ context.Context, _ hooks.Event) (hooks.Event, error) {
		ev := make(hooks.Event, len(CommonStates))
		for k, v := range CommonStates {
			ev[k] = v
		}
		return ev, nil
	})

	pc.Cleanup(func() {
		c.mu.Lock()
		c.emit = nil
		c.mu.Unlock()
		c.cancelWaiters("State coordinator removed")
	})

	return nil
}
