package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/watzon/fixiplug/internal/state"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Work with state schema files",
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a state schema file",
	Long: `Parse a YAML state schema and check it the way the coordinator would
on registration, including compiling transition guards.

Example schema:
  states: [idle, loading, success, error]
  initial: idle
  transitions:
    idle: [loading]
    loading: [success, error]
  guards:
    "loading->success": "data.items > 0"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateSchemaFile(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	schemaCmd.AddCommand(schemaValidateCmd)
	rootCmd.AddCommand(schemaCmd)
}

func validateSchemaFile(w io.Writer, path string) error {
	s, err := state.LoadSchemaFile(path)
	if err != nil {
		return err
	}

	// Registering on a throwaway coordinator compiles the guards.
	res := state.New().RegisterSchema(s)
	if !res.Success {
		return fmt.Errorf("%s: %s", path, res.Error)
	}

	fmt.Fprintf(w, "%s: valid\n", path)
	fmt.Fprintf(w, "  states:      %d\n", len(s.States))
	fmt.Fprintf(w, "  transitions: %d\n", countTransitions(s))
	fmt.Fprintf(w, "  guards:      %d\n", len(s.Guards))
	if s.Initial != "" {
		fmt.Fprintf(w, "  initial:     %s\n", s.Initial)
	}

	for _, name := range unreachableStates(s) {
		fmt.Fprintf(w, "  warning: state %q is not reachable from any transition\n", name)
	}
	return nil
}

func countTransitions(s state.Schema) int {
	n := 0
	for _, targets := range s.Transitions {
		n += len(targets)
	}
	return n
}

// unreachableStates lists states that are neither initial nor the target of
// any transition.
func unreachableStates(s state.Schema) []string {
	reachable := map[string]bool{s.Initial: true}
	for _, targets := range s.Transitions {
		for _, to := range targets {
			reachable[to] = true
		}
	}

	var out []string
	for _, name := range s.States {
		if !reachable[name] && name != state.InitialState {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
