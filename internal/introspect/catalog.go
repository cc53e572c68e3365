// Package introspect classifies hooks by naming convention so clients can
// discover what a running engine offers.
package introspect

import (
	"context"
	"fmt"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/watzon/fixiplug/internal/hooks"
)

// PluginName is the name the catalog plugin registers under.
const PluginName = "introspection"

// HookCapabilities returns the capability listing.
const HookCapabilities = "api:getCapabilities"

// Kinds.
const (
	KindQuery        = "query"
	KindCommand      = "command"
	KindNotification = "notification"
	KindSystem       = "system"
	KindCustom       = "custom"
)

// Category describes a family of hooks.
type Category struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// Rule maps a hook name pattern to a Category.
type Rule struct {
	Pattern  string
	Category Category
}

// DefaultRules are the naming conventions used by the bundled plugins.
var DefaultRules = []Rule{
	{"api:**", Category{KindQuery, "Request/response operations"}},
	{"agent:**", Category{KindCommand, "Commands issued by automated agents"}},
	{"state:**", Category{KindNotification, "State change notifications"}},
	{"internal:**", Category{KindSystem, "Engine internals"}},
	{hooks.PluginErrorHook, Category{KindSystem, "Handler failure reports"}},
}

var customCategory = Category{KindCustom, "Application defined"}

// Capability is one hook with its category and handlers.
type Capability struct {
	Hook     string              `json:"hook"`
	Kind     string              `json:"kind"`
	Category string              `json:"category"`
	Handlers []hooks.HandlerInfo `json:"handlers"`
}

type compiledRule struct {
	matcher glob.Glob
	cat     Category
}

// Catalog classifies hook names. The first matching rule wins.
type Catalog struct {
	rules []compiledRule
}

// NewCatalog compiles rules. Patterns use ':' as the segment separator, so
// "state:*" matches "state:transition" but not "state:entered:idle"; use
// "state:**" to cover every segment.
func NewCatalog(rules []Rule) (*Catalog, error) {
	c := &Catalog{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		g, err := glob.Compile(r.Pattern, ':')
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", r.Pattern, err)
		}
		c.rules = append(c.rules, compiledRule{matcher: g, cat: r.Category})
	}
	return c, nil
}

// MustCatalog is NewCatalog for static rule sets.
func MustCatalog(rules []Rule) *Catalog {
	c, err := NewCatalog(rules)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify returns the category for hook.
func (c *Catalog) Classify(hook string) Category {
	for _, r := range c.rules {
		if r.matcher.Match(hook) {
			return r.cat
		}
	}
	return customCategory
}

// Describe classifies every hook in infos, preserving order.
func (c *Catalog) Describe(infos []hooks.HookInfo) []Capability {
	caps := make([]Capability, 0, len(infos))
	for _, info := range infos {
		cat := c.Classify(info.Name)
		caps = append(caps, Capability{
			Hook:     info.Name,
			Kind:     cat.Kind,
			Category: cat.Description,
			Handlers: info.Handlers,
		})
	}
	return caps
}

// Summary counts capabilities per kind.
func Summary(caps []Capability) map[string]int {
	out := make(map[string]int)
	for _, c := range caps {
		out[c.Kind]++
	}
	return out
}

// Plugin serves api:getCapabilities for engine.
func (c *Catalog) Plugin(engine *hooks.Engine) hooks.Plugin {
	return hooks.NewPlugin(PluginName, func(pc *hooks.PluginContext) error {
		pc.On(HookCapabilities, func(_ context.Context, _ hooks.Event) (hooks.Event, error) {
			caps := c.Describe(engine.Hooks())
			return hooks.Event{
				"capabilities": caps,
				"summary":      Summary(caps),
				"plugins":      engine.Plugins(),
			}, nil
		})
		log.Debug().Int("rules", len(c.rules)).Msg("Introspection catalog installed")
		return nil
	})
}
