package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSchema(t *testing.T) {
	schema, err := ParseSchema([]byte(`
states: [idle, loading, done]
initial: idle
transitions:
  idle: [loading]
  loading: [done]
guards:
  "loading -> done": "data.ok == true"
`))
	require.NoError(t, err)
	require.Equal(t, []string{"idle", "loading", "done"}, schema.States)
	require.True(t, schema.Allows("idle", "loading"))
	require.False(t, schema.Allows("idle", "done"))
	require.Equal(t, "data.ok == true", schema.Guards[GuardKey("loading", "done")])
}

func TestParseSchema_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", `states: []`},
		{"duplicate state", `states: [a, a]`},
		{"unknown source", "states: [a]\ntransitions:\n  b: [a]"},
		{"bad guard key", "states: [a, b]\ntransitions:\n  a: [b]\nguards:\n  ab: \"true\""},
		{"guard without transition", "states: [a, b]\ntransitions:\n  a: [b]\nguards:\n  \"b->a\": \"true\""},
		{"not yaml", `states: [a`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchema([]byte(tt.doc))
			require.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestLoadSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "states.yaml")
	require.NoError(t, os.WriteFile(path, []byte("states: [idle, busy]\ntransitions:\n  idle: [busy]\n"), 0o644))

	schema, err := LoadSchemaFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"busy"}, schema.ValidTransitions("idle"))
	require.Equal(t, []string{}, schema.ValidTransitions("busy"))

	_, err = LoadSchemaFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
