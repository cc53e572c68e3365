package state

import (
	"fmt"
	"slices"
	"strings"
)

// Schema declares the valid states and the transitions allowed between them.
// Guards optionally attach a CEL expression to a transition, keyed "from->to".
type Schema struct {
	States      []string            `yaml:"states" json:"states"`
	Transitions map[string][]string `yaml:"transitions" json:"transitions"`
	Initial     string              `yaml:"initial,omitempty" json:"initial,omitempty"`
	Guards      map[string]string   `yaml:"guards,omitempty" json:"guards,omitempty"`
}

// GuardKey returns the Guards key for a transition.
func GuardKey(from, to string) string {
	return from + "->" + to
}

func splitGuardKey(key string) (string, string, bool) {
	from, to, ok := strings.Cut(key, "->")
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	return from, to, ok && from != "" && to != ""
}

// Validate checks that every referenced state is declared.
func (s *Schema) Validate() error {
	if len(s.States) == 0 {
		return fmt.Errorf("%w: states must be a non-empty list", ErrInvalidSchema)
	}

	seen := make(map[string]struct{}, len(s.States))
	for _, name := range s.States {
		if name == "" {
			return fmt.Errorf("%w: state names must not be empty", ErrInvalidSchema)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate state %q", ErrInvalidSchema, name)
		}
		seen[name] = struct{}{}
	}

	for from, targets := range s.Transitions {
		if _, ok := seen[from]; !ok {
			return fmt.Errorf("%w: transition source %q is not a declared state", ErrInvalidSchema, from)
		}
		for _, to := range targets {
			if _, ok := seen[to]; !ok {
				return fmt.Errorf("%w: transition target %q (from %q) is not a declared state", ErrInvalidSchema, to, from)
			}
		}
	}

	if s.Initial != "" {
		if _, ok := seen[s.Initial]; !ok {
			return fmt.Errorf("%w: initial state %q is not a declared state", ErrInvalidSchema, s.Initial)
		}
	}

	for key := range s.Guards {
		from, to, ok := splitGuardKey(key)
		if !ok {
			return fmt.Errorf("%w: guard key %q must look like \"from->to\"", ErrInvalidSchema, key)
		}
		if !slices.Contains(s.Transitions[from], to) {
			return fmt.Errorf("%w: guard %q does not match a declared transition", ErrInvalidSchema, key)
		}
	}

	return nil
}

// normalizeGuards rewrites guard keys to the form GuardKey produces.
func (s *Schema) normalizeGuards() {
	if len(s.Guards) == 0 {
		return
	}
	guards := make(map[string]string, len(s.Guards))
	for key, expr := range s.Guards {
		if from, to, ok := splitGuardKey(key); ok {
			key = GuardKey(from, to)
		}
		guards[key] = expr
	}
	s.Guards = guards
}

// HasState reports whether name is declared.
func (s *Schema) HasState(name string) bool {
	return slices.Contains(s.States, name)
}

// ValidTransitions returns the states reachable from from. Never nil.
func (s *Schema) ValidTransitions(from string) []string {
	targets := s.Transitions[from]
	if targets == nil {
		return []string{}
	}
	return slices.Clone(targets)
}

// Allows reports whether from->to is a declared transition.
func (s *Schema) Allows(from, to string) bool {
	return slices.Contains(s.Transitions[from], to)
}
