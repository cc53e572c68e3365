package introspect

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/watzon/fixiplug/internal/hooks"
)

func TestCatalog_Classify(t *testing.T) {
	c := MustCatalog(DefaultRules)

	tests := []struct {
		hook string
		kind string
	}{
		{"api:setState", KindQuery},
		{"agent:runTask", KindCommand},
		{"state:transition", KindNotification},
		{"internal:flush", KindSystem},
		{"pluginError", KindSystem},
		{"state:entered:loading", KindNotification},
		{"state:exited:idle", KindNotification},
		{"api:plugins:list", KindQuery},
		{"agent:task:cancel", KindCommand},
		{"internal:bus:drain", KindSystem},
		{"beforeRender", KindCustom},
		{"apiX", KindCustom},
	}

	for _, tt := range tests {
		t.Run(tt.hook, func(t *testing.T) {
			require.Equal(t, tt.kind, c.Classify(tt.hook).Kind)
		})
	}
}

func TestCatalog_FirstMatchWins(t *testing.T) {
	c := MustCatalog([]Rule{
		{"state:entered:*", Category{"lifecycle", "Entered"}},
		{"state:**", Category{KindNotification, "State"}},
	})

	require.Equal(t, "lifecycle", c.Classify("state:entered:idle").Kind)
	require.Equal(t, KindNotification, c.Classify("state:exited:idle").Kind)
}

func TestCatalog_SingleSegmentPattern(t *testing.T) {
	c := MustCatalog([]Rule{{"state:*", Category{KindNotification, "State"}}})

	require.Equal(t, KindNotification, c.Classify("state:transition").Kind)
	require.Equal(t, KindCustom, c.Classify("state:entered:idle").Kind)
}

func TestCatalog_InvalidPattern(t *testing.T) {
	_, err := NewCatalog([]Rule{{"api:[", Category{}}})
	require.Error(t, err)
}

func TestCatalog_Plugin(t *testing.T) {
	e := hooks.New(hooks.WithLogger(zerolog.Nop()))
	t.Cleanup(func() { _ = e.Close() })

	c := MustCatalog(DefaultRules)
	require.NoError(t, e.Use(c.Plugin(e)))
	e.On("custom:thing", func(ctx context.Context, ev hooks.Event) (hooks.Event, error) {
		return nil, nil
	}, hooks.WithPriority(3))

	res := e.Dispatch(context.Background(), HookCapabilities, hooks.Event{})
	caps := res["capabilities"].([]Capability)

	byHook := make(map[string]Capability)
	for _, cp := range caps {
		byHook[cp.Hook] = cp
	}
	require.Equal(t, KindQuery, byHook[HookCapabilities].Kind)
	require.Equal(t, KindCustom, byHook["custom:thing"].Kind)
	require.Equal(t, 3, byHook["custom:thing"].Handlers[0].Priority)

	summary := res["summary"].(map[string]int)
	require.Equal(t, 1, summary[KindQuery])
	require.Equal(t, 1, summary[KindCustom])
}
