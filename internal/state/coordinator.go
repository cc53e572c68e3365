// Package state provides the shared state coordinator plugin.
//
// The coordinator keeps a single current state with a data payload, a
// bounded transition history and an optional schema of allowed transitions.
// Consumers block on waitForState until a state is reached or a timeout
// fires. Every operation reports failure in its result instead of returning
// an error, because results travel through hook pipelines.
package state

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zoobzio/clockz"

	"github.com/watzon/fixiplug/internal/hooks"
)

// Defaults.
const (
	InitialState        = "idle"
	DefaultHistorySize  = 50
	DefaultWaitTimeout  = 30 * time.Second
	waitOutcomeResolved = "resolved"
	waitOutcomeTimeout  = "timeout"
	waitOutcomeCanceled = "canceled"
)

// Observer receives coordinator activity. Implementations must be safe for
// concurrent use.
type Observer interface {
	Transition(from, to string)
	WaitersChanged(delta int)
	WaitFinished(outcome string)
}

type nopObserver struct{}

func (nopObserver) Transition(string, string) {}
func (nopObserver) WaitersChanged(int)        {}
func (nopObserver) WaitFinished(string)       {}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for timestamps and wait timeouts.
// Default is clockz.RealClock.
func WithClock(clock clockz.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithLogger sets the logger. Default is the global zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithHistorySize sets the transition history capacity (default: 50).
func WithHistorySize(size int) Option {
	return func(c *Coordinator) {
		if size > 0 {
			c.historySize = size
		}
	}
}

// WithDefaultTimeout sets the waitForState timeout used when none is given
// (default: 30s).
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.defaultTimeout = timeout
		}
	}
}

// WithObserver sets the observer notified of transitions and waiters.
func WithObserver(observer Observer) Option {
	return func(c *Coordinator) {
		if observer != nil {
			c.observer = observer
		}
	}
}

type waiter struct {
	id      string
	ch      chan WaitResult
	started time.Time
	fired   bool
}

// Coordinator owns the shared state record.
//
// Thread Safety:
// All state is guarded by a mutex. Notifications are emitted after the
// mutex is released so listeners may call back into the coordinator.
type Coordinator struct {
	clock          clockz.Clock
	logger         zerolog.Logger
	observer       Observer
	historySize    int
	defaultTimeout time.Duration
	guards         *guardEngine

	mu       sync.Mutex
	record   Record
	history  *history
	total    int
	schema   *Schema
	programs map[string]cel.Program
	waiters  map[string][]*waiter
	emit     func(hook string, ev hooks.Event) bool
}

// New creates a coordinator in the idle state.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		clock:          clockz.RealClock,
		logger:         log.Logger,
		observer:       nopObserver{},
		historySize:    DefaultHistorySize,
		defaultTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "state").Logger()

	guards, err := newGuardEngine()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to create guard engine, transition guards disabled")
	}
	c.guards = guards

	c.reset()
	return c
}

func (c *Coordinator) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record = Record{Status: InitialState, Data: map[string]any{}, Timestamp: c.nowMillis()}
	c.history = newHistory(c.historySize)
	c.total = 0
	c.schema = nil
	c.programs = nil
	c.waiters = make(map[string][]*waiter)
}

func (c *Coordinator) nowMillis() int64 {
	return c.clock.Now().UnixMilli()
}

// CurrentState returns the current state and its age in milliseconds.
func (c *Coordinator) CurrentState() CurrentState {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowMillis()
	return CurrentState{
		State:     c.record.Status,
		Data:      maps.Clone(c.record.Data),
		Timestamp: c.record.Timestamp,
		Age:       now - c.record.Timestamp,
	}
}

// SetState transitions to req.State. Pending waiters for the new state are
// resolved before this returns; state:* notifications are emitted on the
// deferred bus.
func (c *Coordinator) SetState(req SetStateRequest) SetStateResult {
	if req.State == "" {
		return SetStateResult{Error: "state parameter is required"}
	}

	c.mu.Lock()
	prev := c.record

	if !req.SkipValidation && c.schema != nil {
		if res, ok := c.validateLocked(prev, req); !ok {
			c.mu.Unlock()
			c.logger.Debug().
				Str("from", prev.Status).
				Str("to", req.State).
				Str("error", res.Error).
				Msg("Transition rejected")
			return res
		}
	}

	now := c.nowMillis()
	data := cloneData(req.Data)

	c.record = Record{Status: req.State, Data: data, Timestamp: now}
	c.history.push(Transition{
		From:         prev.Status,
		To:           req.State,
		Data:         data,
		PreviousData: prev.Data,
		Timestamp:    now,
	})
	c.total++
	resolved := c.resolveLocked(req.State, data)
	emit := c.emit
	c.mu.Unlock()

	c.observer.Transition(prev.Status, req.State)

	// Listeners get their own copies; the stored maps are only touched under c.mu.
	if emit != nil {
		emit(HookTransition, hooks.Event{
			"from":         prev.Status,
			"to":           req.State,
			"data":         cloneData(data),
			"previousData": cloneData(prev.Data),
			"timestamp":    now,
		})
		emit(HookExitedPrefix+prev.Status, hooks.Event{
			"state":     prev.Status,
			"to":        req.State,
			"data":      cloneData(prev.Data),
			"timestamp": now,
		})
		emit(HookEnteredPrefix+req.State, hooks.Event{
			"state":     req.State,
			"from":      prev.Status,
			"data":      cloneData(data),
			"timestamp": now,
		})
	}

	c.logger.Debug().
		Str("from", prev.Status).
		Str("to", req.State).
		Int("waiters", resolved).
		Msg("State changed")

	return SetStateResult{
		Success:       true,
		State:         req.State,
		PreviousState: prev.Status,
		Timestamp:     now,
	}
}

func (c *Coordinator) validateLocked(prev Record, req SetStateRequest) (SetStateResult, bool) {
	if !c.schema.HasState(req.State) {
		return SetStateResult{
			Error:         fmt.Sprintf("Invalid state: %s", req.State),
			ValidStates:   slices.Clone(c.schema.States),
			PreviousState: prev.Status,
		}, false
	}

	if !c.schema.Allows(prev.Status, req.State) {
		return SetStateResult{
			Error:            fmt.Sprintf("Invalid transition: %s -> %s", prev.Status, req.State),
			ValidTransitions: c.schema.ValidTransitions(prev.Status),
			PreviousState:    prev.Status,
		}, false
	}

	key := GuardKey(prev.Status, req.State)
	program, ok := c.programs[key]
	if !ok {
		return SetStateResult{}, true
	}

	allowed, err := evalGuard(program, prev.Status, req.State, req.Data, prev.Data)
	if err != nil {
		return SetStateResult{
			Error:         err.Error(),
			Guard:         c.schema.Guards[key],
			PreviousState: prev.Status,
		}, false
	}
	if !allowed {
		return SetStateResult{
			Error:         fmt.Sprintf("Transition guard rejected: %s -> %s", prev.Status, req.State),
			Guard:         c.schema.Guards[key],
			PreviousState: prev.Status,
		}, false
	}
	return SetStateResult{}, true
}

// resolveLocked hands data to every waiter on state and forgets them.
func (c *Coordinator) resolveLocked(state string, data map[string]any) int {
	pending := c.waiters[state]
	delete(c.waiters, state)

	now := c.clock.Now()
	resolved := 0
	for _, w := range pending {
		if w.fired {
			continue
		}
		w.fired = true
		w.ch <- WaitResult{
			Success: true,
			State:   state,
			Data:    maps.Clone(data),
			Waited:  now.Sub(w.started).Milliseconds(),
		}
		resolved++
	}

	if resolved > 0 {
		c.observer.WaitersChanged(-resolved)
	}
	return resolved
}

// WaitForState blocks until the coordinator enters req.State, the timeout
// elapses or ctx is done. It always returns a result; failures set Error.
func (c *Coordinator) WaitForState(ctx context.Context, req WaitRequest) WaitResult {
	if req.State == "" {
		return WaitResult{Error: "state parameter is required"}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.mu.Lock()
	if c.record.Status == req.State {
		res := WaitResult{
			Success: true,
			State:   req.State,
			Data:    maps.Clone(c.record.Data),
			Waited:  0,
		}
		c.mu.Unlock()
		c.observer.WaitFinished(waitOutcomeResolved)
		return res
	}

	// The timer is armed before the waiter is visible, so a pending waiter
	// always has its deadline registered with the clock.
	expired := c.clock.After(timeout)
	w := &waiter{
		id:      uuid.New().String(),
		ch:      make(chan WaitResult, 1),
		started: c.clock.Now(),
	}
	c.waiters[req.State] = append(c.waiters[req.State], w)
	c.mu.Unlock()
	c.observer.WaitersChanged(1)

	c.logger.Debug().
		Str("waiter", w.id).
		Str("state", req.State).
		Dur("timeout", timeout).
		Msg("Waiting for state")

	select {
	case res := <-w.ch:
		c.observer.WaitFinished(waitOutcomeResolved)
		return res

	case <-expired:
		if res, ok := c.abandon(req.State, w); ok {
			c.observer.WaitFinished(waitOutcomeResolved)
			return res
		}
		c.observer.WaitFinished(waitOutcomeTimeout)
		c.logger.Debug().Str("waiter", w.id).Str("state", req.State).Msg("Wait for state timed out")
		return WaitResult{
			Error:    fmt.Sprintf("Timeout waiting for state: %s", req.State),
			State:    req.State,
			Timeout:  timeout.Milliseconds(),
			Waited:   c.clock.Now().Sub(w.started).Milliseconds(),
			TimedOut: true,
		}

	case <-ctx.Done():
		if res, ok := c.abandon(req.State, w); ok {
			c.observer.WaitFinished(waitOutcomeResolved)
			return res
		}
		c.observer.WaitFinished(waitOutcomeCanceled)
		return WaitResult{
			Error:  fmt.Sprintf("Wait for state %s cancelled: %v", req.State, ctx.Err()),
			State:  req.State,
			Waited: c.clock.Now().Sub(w.started).Milliseconds(),
		}
	}
}

// abandon removes w from the waiter list. If a transition already resolved
// w, the delivered result is returned with ok set.
func (c *Coordinator) abandon(state string, w *waiter) (WaitResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w.fired {
		return <-w.ch, true
	}
	w.fired = true

	c.waiters[state] = slices.DeleteFunc(c.waiters[state], func(other *waiter) bool {
		return other == w
	})
	if len(c.waiters[state]) == 0 {
		delete(c.waiters, state)
	}
	c.observer.WaitersChanged(-1)
	return WaitResult{}, false
}

// PendingWaiters returns the number of waiters blocked on state.
func (c *Coordinator) PendingWaiters(state string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters[state])
}

// History returns up to limit of the most recent transitions, oldest first.
// limit <= 0 returns the whole buffer.
func (c *Coordinator) History(limit int) HistoryResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowMillis()
	entries := c.history.last(limit)
	out := make([]HistoryEntry, len(entries))
	for i, t := range entries {
		t.Data = cloneData(t.Data)
		t.PreviousData = cloneData(t.PreviousData)
		out[i] = HistoryEntry{Transition: t, Age: now - t.Timestamp}
	}

	return HistoryResult{
		History:          out,
		CurrentState:     c.record.Status,
		TotalTransitions: c.total,
	}
}

// ClearHistory empties the transition history and returns how many entries
// were removed.
func (c *Coordinator) ClearHistory() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cleared := c.history.len()
	c.history.clear()
	c.total = 0
	return cleared
}

// RegisterSchema validates and installs schema, replacing any previous one.
// If schema.Initial differs from the current state the coordinator is reset
// to it without validation or history; waiters on it are resolved.
func (c *Coordinator) RegisterSchema(schema Schema) SchemaResult {
	if err := schema.Validate(); err != nil {
		return SchemaResult{Error: err.Error()}
	}
	schema.normalizeGuards()

	var programs map[string]cel.Program
	if len(schema.Guards) > 0 {
		if c.guards == nil {
			return SchemaResult{Error: "transition guards are not available"}
		}
		compiled, err := c.guards.compile(schema.Guards)
		if err != nil {
			return SchemaResult{Error: err.Error()}
		}
		programs = compiled
	}

	c.mu.Lock()
	c.schema = &schema
	c.programs = programs

	reset := false
	if schema.Initial != "" && schema.Initial != c.record.Status {
		c.record = Record{Status: schema.Initial, Data: map[string]any{}, Timestamp: c.nowMillis()}
		c.resolveLocked(schema.Initial, c.record.Data)
		reset = true
	}
	current := c.record.Status
	c.mu.Unlock()

	c.logger.Info().
		Strs("states", schema.States).
		Str("initial", schema.Initial).
		Bool("reset", reset).
		Msg("State schema registered")

	return SchemaResult{
		Success:      true,
		Schema:       &schema,
		CurrentState: current,
		Reset:        reset,
	}
}

// Schema returns the registered schema, or nil.
func (c *Coordinator) Schema() *Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schema
}

// cancelWaiters resolves every pending waiter with an error.
func (c *Coordinator) cancelWaiters(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	cancelled := 0
	for state, pending := range c.waiters {
		for _, w := range pending {
			if w.fired {
				continue
			}
			w.fired = true
			w.ch <- WaitResult{
				Error:  reason,
				State:  state,
				Waited: now.Sub(w.started).Milliseconds(),
			}
			cancelled++
		}
	}
	c.waiters = make(map[string][]*waiter)

	if cancelled > 0 {
		c.observer.WaitersChanged(-cancelled)
	}
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return maps.Clone(data)
}
