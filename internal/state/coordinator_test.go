package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/watzon/fixiplug/internal/hooks"
)

func newTestSetup(t *testing.T, opts ...Option) (*hooks.Engine, *Coordinator) {
	t.Helper()

	e := hooks.New(hooks.WithLogger(zerolog.Nop()))
	t.Cleanup(func() {
		_ = e.Close()
	})

	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	c := New(opts...)
	require.NoError(t, e.Use(c.Plugin()))
	return e, c
}

func flush(t *testing.T, e *hooks.Engine) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Flush(ctx))
}

func loadingSchema() hooks.Event {
	return hooks.Event{
		"states": []any{"idle", "loading", "success", "error"},
		"transitions": map[string]any{
			"idle":    []any{"loading"},
			"loading": []any{"success", "error"},
			"success": []any{"idle"},
			"error":   []any{"idle"},
		},
	}
}

func TestCoordinator_InitialState(t *testing.T) {
	e, _ := newTestSetup(t)

	res := e.Dispatch(context.Background(), HookGetCurrentState, hooks.Event{})
	require.Equal(t, "idle", res["state"])
	require.Equal(t, map[string]any{}, res["data"])
	require.GreaterOrEqual(t, res["age"].(int64), int64(0))
}

func TestCoordinator_SetState(t *testing.T) {
	e, _ := newTestSetup(t)
	ctx := context.Background()

	res := e.Dispatch(ctx, HookSetState, hooks.Event{
		"state": "loading",
		"data":  map[string]any{"url": "/items"},
	})
	require.Empty(t, res.Err())
	require.Equal(t, true, res["success"])
	require.Equal(t, "loading", res["state"])
	require.Equal(t, "idle", res["previousState"])

	cur := e.Dispatch(ctx, HookGetCurrentState, hooks.Event{})
	require.Equal(t, "loading", cur["state"])
	require.Equal(t, map[string]any{"url": "/items"}, cur["data"])
}

func TestCoordinator_SetStateRequiresState(t *testing.T) {
	e, _ := newTestSetup(t)

	res := e.Dispatch(context.Background(), HookSetState, hooks.Event{})
	require.Equal(t, "state parameter is required", res.Err())
}

func TestCoordinator_SchemaRejectsInvalidTransition(t *testing.T) {
	e, _ := newTestSetup(t)
	ctx := context.Background()

	reg := e.Dispatch(ctx, HookRegisterStateSchema, loadingSchema())
	require.Empty(t, reg.Err())
	require.Equal(t, true, reg["success"])

	res := e.Dispatch(ctx, HookSetState, hooks.Event{"state": "success"})
	require.Equal(t, "Invalid transition: idle -> success", res.Err())
	require.Equal(t, []string{"loading"}, res["validTransitions"])
	require.Equal(t, "idle", res["currentState"])

	cur := e.Dispatch(ctx, HookGetCurrentState, hooks.Event{})
	require.Equal(t, "idle", cur["state"])

	res = e.Dispatch(ctx, HookSetState, hooks.Event{"state": "loading"})
	require.Empty(t, res.Err())
}

func TestCoordinator_SchemaRejectsUnknownState(t *testing.T) {
	e, _ := newTestSetup(t)
	ctx := context.Background()

	e.Dispatch(ctx, HookRegisterStateSchema, loadingSchema())

	res := e.Dispatch(ctx, HookSetState, hooks.Event{"state": "flying"})
	require.Equal(t, "Invalid state: flying", res.Err())
	require.Equal(t, []string{"idle", "loading", "success", "error"}, res["validStates"])
}

func TestCoordinator_ValidateFalseBypassesSchema(t *testing.T) {
	e, _ := newTestSetup(t)
	ctx := context.Background()

	e.Dispatch(ctx, HookRegisterStateSchema, loadingSchema())

	res := e.Dispatch(ctx, HookSetState, hooks.Event{"state": "success", "validate": false})
	require.Empty(t, res.Err())
	require.Equal(t, "success", res["state"])
	require.Equal(t, "idle", res["previousState"])
}

func TestCoordinator_ValidateDefaultsToTrue(t *testing.T) {
	e, _ := newTestSetup(t)
	ctx := context.Background()

	e.Dispatch(ctx, HookRegisterStateSchema, loadingSchema())

	for _, ev := range []hooks.Event{
		{"state": "success"},
		{"state": "success", "validate": true},
		{"state": "success", "skipValidation": true},
	} {
		res := e.Dispatch(ctx, HookSetState, ev)
		require.Equal(t, "Invalid transition: idle -> success", res.Err(), "event %v", ev)
	}
}

func TestCoordinator_InvalidSchema(t *testing.T) {
	e, _ := newTestSetup(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		schema hooks.Event
	}{
		{"no states", hooks.Event{"transitions": map[string]any{}}},
		{"unknown target", hooks.Event{
			"states":      []any{"idle"},
			"transitions": map[string]any{"idle": []any{"gone"}},
		}},
		{"unknown initial", hooks.Event{
			"states":  []any{"idle"},
			"initial": "busy",
		}},
		{"states not strings", hooks.Event{"states": []any{"idle", 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Dispatch(ctx, HookRegisterStateSchema, tt.schema)
			require.NotEmpty(t, res.Err())
		})
	}

	res := e.Dispatch(ctx, HookSetState, hooks.Event{"state": "anything"})
	require.Empty(t, res.Err(), "rejected schemas must not be installed")
}

func TestCoordinator_SchemaInitialResetsState(t *testing.T) {
	e, c := newTestSetup(t)
	ctx := context.Background()

	schema := loadingSchema()
	schema["initial"] = "loading"

	res := e.Dispatch(ctx, HookRegisterStateSchema, schema)
	require.Equal(t, true, res["reset"])
	require.Equal(t, "loading", res["currentState"])
	require.Equal(t, "loading", c.CurrentState().State)
	require.Equal(t, 0, c.History(0).TotalTransitions)
}

func TestCoordinator_Guards(t *testing.T) {
	e, _ := newTestSetup(t)
	ctx := context.Background()

	schema := loadingSchema()
	schema["guards"] = map[string]any{
		"loading -> success": `has(data.count) && data.count > 0`,
	}
	reg := e.Dispatch(ctx, HookRegisterStateSchema, schema)
	require.Empty(t, reg.Err())

	e.Dispatch(ctx, HookSetState, hooks.Event{"state": "loading"})

	res := e.Dispatch(ctx, HookSetState, hooks.Event{
		"state": "success",
		"data":  map[string]any{"count": 0},
	})
	require.Equal(t, "Transition guard rejected: loading -> success", res.Err())
	require.Equal(t, `has(data.count) && data.count > 0`, res["guard"])

	res = e.Dispatch(ctx, HookSetState, hooks.Event{
		"state": "success",
		"data":  map[string]any{"count": 3},
	})
	require.Empty(t, res.Err())
}

func TestCoordinator_InvalidGuardRejectsSchema(t *testing.T) {
	e, _ := newTestSetup(t)

	schema := loadingSchema()
	schema["guards"] = map[string]any{"idle->loading": "data.("}

	res := e.Dispatch(context.Background(), HookRegisterStateSchema, schema)
	require.Contains(t, res.Err(), "invalid transition guard")
}

func TestCoordinator_WaitResolvesImmediately(t *testing.T) {
	e, _ := newTestSetup(t)

	res := e.Dispatch(context.Background(), HookWaitForState, hooks.Event{"state": "idle"})
	require.Empty(t, res.Err())
	require.Equal(t, true, res["success"])
	require.Equal(t, int64(0), res["waited"])
}

func TestCoordinator_WaitResolvedBySetState(t *testing.T) {
	e, c := newTestSetup(t)
	ctx := context.Background()

	done := make(chan hooks.Event, 1)
	go func() {
		done <- e.Dispatch(ctx, HookWaitForState, hooks.Event{"state": "success", "timeout": 5000})
	}()

	require.Eventually(t, func() bool {
		return c.PendingWaiters("success") == 1
	}, time.Second, time.Millisecond)

	e.Dispatch(ctx, HookSetState, hooks.Event{"state": "success", "data": map[string]any{"id": 7}})

	select {
	case res := <-done:
		require.Empty(t, res.Err())
		require.Equal(t, "success", res["state"])
		require.Equal(t, map[string]any{"id": 7}, res["data"])
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not resolved")
	}
	require.Equal(t, 0, c.PendingWaiters("success"))
}

func TestCoordinator_WaitResolvesEveryWaiter(t *testing.T) {
	e, c := newTestSetup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]hooks.Event, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Dispatch(ctx, HookWaitForState, hooks.Event{"state": "done"})
		}(i)
	}

	require.Eventually(t, func() bool {
		return c.PendingWaiters("done") == 3
	}, time.Second, time.Millisecond)

	c.SetState(SetStateRequest{State: "done"})
	wg.Wait()

	for _, res := range results {
		require.Equal(t, true, res["success"])
	}
}

func TestCoordinator_WaitTimeout(t *testing.T) {
	clock := clockz.NewFakeClock()
	obs := &recordingObserver{}
	e, c := newTestSetup(t, WithClock(clock), WithObserver(obs))
	ctx := context.Background()

	done := make(chan hooks.Event, 1)
	go func() {
		done <- e.Dispatch(ctx, HookWaitForState, hooks.Event{"state": "success", "timeout": 50})
	}()

	require.Eventually(t, func() bool {
		return c.PendingWaiters("success") == 1
	}, time.Second, time.Millisecond)

	clock.Advance(49 * time.Millisecond)
	clock.BlockUntilReady()
	select {
	case res := <-done:
		t.Fatalf("wait returned before its deadline: %v", res)
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	clock.BlockUntilReady()

	var res hooks.Event
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not time out after the clock advanced")
	}
	require.Equal(t, "Timeout waiting for state: success", res.Err())
	require.Equal(t, int64(50), res["timeout"])
	require.GreaterOrEqual(t, res["waited"].(int64), int64(50))
	require.Equal(t, 0, c.PendingWaiters("success"))

	// A timed-out waiter is gone; reaching the state later resolves nothing.
	set := e.Dispatch(ctx, HookSetState, hooks.Event{"state": "success"})
	require.Empty(t, set.Err())
	require.Equal(t, 0, c.PendingWaiters("success"))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, []string{"timeout"}, obs.outcomes)
	require.Equal(t, 0, obs.waiters)
}

func TestCoordinator_WaitResolvesBeforeDeadline(t *testing.T) {
	clock := clockz.NewFakeClock()
	obs := &recordingObserver{}
	_, c := newTestSetup(t, WithClock(clock), WithObserver(obs))

	done := make(chan WaitResult, 1)
	go func() {
		done <- c.WaitForState(context.Background(), WaitRequest{State: "loading", Timeout: 50 * time.Millisecond})
	}()

	require.Eventually(t, func() bool {
		return c.PendingWaiters("loading") == 1
	}, time.Second, time.Millisecond)

	clock.Advance(30 * time.Millisecond)
	clock.BlockUntilReady()
	require.True(t, c.SetState(SetStateRequest{State: "loading"}).Success)

	res := <-done
	require.True(t, res.Success)
	require.Equal(t, int64(30), res.Waited)

	// The deadline passing afterwards must not produce a second outcome.
	clock.Advance(time.Second)
	clock.BlockUntilReady()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, []string{"resolved"}, obs.outcomes)
	require.Equal(t, 0, obs.waiters)
}

func TestCoordinator_WaitDefaultTimeout(t *testing.T) {
	_, c := newTestSetup(t, WithDefaultTimeout(20*time.Millisecond))

	res := c.WaitForState(context.Background(), WaitRequest{State: "never"})
	require.True(t, res.TimedOut)
	require.Equal(t, int64(20), res.Timeout)
}

func TestCoordinator_WaitCancelled(t *testing.T) {
	_, c := newTestSetup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := c.WaitForState(ctx, WaitRequest{State: "never", Timeout: time.Minute})
	require.False(t, res.Success)
	require.False(t, res.TimedOut)
	require.Contains(t, res.Error, "cancelled")
	require.Equal(t, 0, c.PendingWaiters("never"))
}

func TestCoordinator_UnuseFailsWaiters(t *testing.T) {
	e, c := newTestSetup(t)

	done := make(chan WaitResult, 1)
	go func() {
		done <- c.WaitForState(context.Background(), WaitRequest{State: "never", Timeout: time.Minute})
	}()

	require.Eventually(t, func() bool {
		return c.PendingWaiters("never") == 1
	}, time.Second, time.Millisecond)

	require.True(t, e.Unuse(PluginName))

	select {
	case res := <-done:
		require.Equal(t, "State coordinator removed", res.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestCoordinator_Notifications(t *testing.T) {
	e, _ := newTestSetup(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	record := func(ctx context.Context, ev hooks.Event) (hooks.Event, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.String("from")+">"+ev.String("to"))
		return nil, nil
	}
	e.On(HookTransition, record)

	var entered, exited string
	e.On(HookEnteredPrefix+"loading", func(ctx context.Context, ev hooks.Event) (hooks.Event, error) {
		mu.Lock()
		defer mu.Unlock()
		entered = ev.String("from")
		return nil, nil
	})
	e.On(HookExitedPrefix+"idle", func(ctx context.Context, ev hooks.Event) (hooks.Event, error) {
		mu.Lock()
		defer mu.Unlock()
		exited = ev.String("to")
		return nil, nil
	})

	e.Dispatch(ctx, HookSetState, hooks.Event{"state": "loading"})
	e.Dispatch(ctx, HookSetState, hooks.Event{"state": "success"})
	flush(t, e)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"idle>loading", "loading>success"}, seen)
	require.Equal(t, "idle", entered)
	require.Equal(t, "loading", exited)
}

func TestCoordinator_History(t *testing.T) {
	e, c := newTestSetup(t, WithHistorySize(3))
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		c.SetState(SetStateRequest{State: s})
	}

	res := e.Dispatch(ctx, HookGetStateHistory, hooks.Event{})
	require.Equal(t, 3, res["count"])
	require.Equal(t, 5, res["totalTransitions"])
	require.Equal(t, "e", res["currentState"])

	history := res["history"].([]HistoryEntry)
	require.Equal(t, "b", history[0].From)
	require.Equal(t, "e", history[2].To)

	limited := c.History(2)
	require.Len(t, limited.History, 2)
	require.Equal(t, "c", limited.History[0].From)
	require.Equal(t, "d", limited.History[0].To)
}

func TestCoordinator_HistoryCarriesPreviousData(t *testing.T) {
	_, c := newTestSetup(t)

	c.SetState(SetStateRequest{State: "loading", Data: map[string]any{"step": 1}})
	c.SetState(SetStateRequest{State: "success", Data: map[string]any{"step": 2}})

	h := c.History(0).History
	require.Len(t, h, 2)
	require.Equal(t, map[string]any{"step": 1}, h[1].PreviousData)
	require.Equal(t, map[string]any{"step": 2}, h[1].Data)
}

func TestCoordinator_ClearHistory(t *testing.T) {
	e, c := newTestSetup(t)
	ctx := context.Background()

	c.SetState(SetStateRequest{State: "loading"})
	c.SetState(SetStateRequest{State: "success"})

	res := e.Dispatch(ctx, HookClearStateHistory, hooks.Event{})
	require.Equal(t, true, res["success"])
	require.Equal(t, 2, res["cleared"])

	h := c.History(0)
	require.Empty(t, h.History)
	require.Equal(t, 0, h.TotalTransitions)
	require.Equal(t, "success", h.CurrentState)
}

func TestCoordinator_CommonStates(t *testing.T) {
	e, _ := newTestSetup(t)

	res := e.Dispatch(context.Background(), HookGetCommonStates, hooks.Event{})
	require.Equal(t, "idle", res["IDLE"])
	require.Equal(t, "loading", res["LOADING"])
	require.Equal(t, "error", res["ERROR"])
}

func TestCoordinator_SetStateCopiesData(t *testing.T) {
	_, c := newTestSetup(t)

	data := map[string]any{"n": 1}
	c.SetState(SetStateRequest{State: "loading", Data: data})
	data["n"] = 2

	require.Equal(t, 1, c.CurrentState().Data["n"])
}

func TestCoordinator_ListenersCannotMutateRecord(t *testing.T) {
	e, c := newTestSetup(t)
	ctx := context.Background()

	mutate := func(_ context.Context, ev hooks.Event) (hooks.Event, error) {
		for _, key := range []string{"data", "previousData"} {
			if m, ok := ev[key].(map[string]any); ok {
				m["n"] = "mutated"
			}
		}
		return nil, nil
	}
	e.On(HookTransition, mutate)
	e.On(HookEnteredPrefix+"loading", mutate)
	e.On(HookExitedPrefix+"loading", mutate)

	e.Dispatch(ctx, HookSetState, hooks.Event{"state": "loading", "data": map[string]any{"n": 1}})
	flush(t, e)
	e.Dispatch(ctx, HookSetState, hooks.Event{"state": "success", "data": map[string]any{"n": 2}})
	flush(t, e)

	require.Equal(t, 2, c.CurrentState().Data["n"])

	hist := c.History(0).History
	require.Len(t, hist, 2)
	require.Equal(t, 1, hist[0].Data["n"])
	require.Equal(t, 2, hist[1].Data["n"])
	require.Equal(t, 1, hist[1].PreviousData["n"])
}

func TestCoordinator_HistoryReturnsCopies(t *testing.T) {
	_, c := newTestSetup(t)

	c.SetState(SetStateRequest{State: "loading", Data: map[string]any{"n": 1}})

	first := c.History(0).History
	first[0].Data["n"] = "changed"
	first[0].PreviousData["x"] = true

	again := c.History(0).History
	require.Equal(t, 1, again[0].Data["n"])
	require.NotContains(t, again[0].PreviousData, "x")
	require.Equal(t, 1, c.CurrentState().Data["n"])
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	waiters     int
	outcomes    []string
}

func (o *recordingObserver) Transition(from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from+">"+to)
}

func (o *recordingObserver) WaitersChanged(delta int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waiters += delta
}

func (o *recordingObserver) WaitFinished(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func TestCoordinator_Observer(t *testing.T) {
	obs := &recordingObserver{}
	_, c := newTestSetup(t, WithObserver(obs))

	c.SetState(SetStateRequest{State: "loading"})
	c.WaitForState(context.Background(), WaitRequest{State: "loading"})
	c.WaitForState(context.Background(), WaitRequest{State: "never", Timeout: 10 * time.Millisecond})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, []string{"idle>loading"}, obs.transitions)
	require.Equal(t, 0, obs.waiters)
	require.Equal(t, []string{"resolved", "timeout"}, obs.outcomes)
}
