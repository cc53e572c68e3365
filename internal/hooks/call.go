package hooks

import (
	"context"
	"time"
)

type callKey struct{}

// CallInfo describes one dispatch in a chain of nested dispatches.
// It travels in the context handed to handlers and is immutable.
type CallInfo struct {
	Hook    string
	Depth   int
	Started time.Time
	Parent  *CallInfo
}

// CallFromContext returns the innermost dispatch running on ctx, or nil.
func CallFromContext(ctx context.Context) *CallInfo {
	if ctx == nil {
		return nil
	}
	call, _ := ctx.Value(callKey{}).(*CallInfo)
	return call
}

func withCall(ctx context.Context, call *CallInfo) context.Context {
	return context.WithValue(ctx, callKey{}, call)
}

// Active reports whether hook is being dispatched anywhere in this chain.
func (c *CallInfo) Active(hook string) bool {
	for p := c; p != nil; p = p.Parent {
		if p.Hook == hook {
			return true
		}
	}
	return false
}

// Chain returns the hook names from outermost to innermost.
func (c *CallInfo) Chain() []string {
	if c == nil {
		return nil
	}
	chain := make([]string, c.Depth+1)
	for p := c; p != nil; p = p.Parent {
		chain[p.Depth] = p.Hook
	}
	return chain
}

// Elapsed returns the time since this dispatch started.
func (c *CallInfo) Elapsed() time.Duration {
	return time.Since(c.Started)
}

func (c *CallInfo) child(hook string) *CallInfo {
	next := &CallInfo{Hook: hook, Started: time.Now(), Parent: c}
	if c != nil {
		next.Depth = c.Depth + 1
	}
	return next
}
