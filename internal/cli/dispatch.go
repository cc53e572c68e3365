package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/watzon/fixiplug/internal/hooks"
)

var dispatchTimeout time.Duration

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <hook> [json]",
	Short: "Dispatch a hook once against a local engine",
	Long: `Build the configured plugins in-process, dispatch a single hook and
print the resulting event as JSON. Deferred events are drained before exit.

Examples:
  fixiplug dispatch api:getCapabilities
  fixiplug dispatch api:setState '{"state":"loading"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDispatch,
}

func init() {
	dispatchCmd.Flags().DurationVar(&dispatchTimeout, "timeout", 30*time.Second, "Maximum time to wait for the dispatch")
	rootCmd.AddCommand(dispatchCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	ev := hooks.Event{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &ev); err != nil {
			return fmt.Errorf("parsing event JSON: %w", err)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// One-shot runs never serve or schedule.
	cfg.Realtime.Enabled = false
	cfg.Scheduler.Enabled = false

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), dispatchTimeout)
	defer cancel()

	return dispatchOnce(ctx, cmd.OutOrStdout(), rt.Engine, args[0], ev)
}

func dispatchOnce(ctx context.Context, w io.Writer, engine *hooks.Engine, hook string, ev hooks.Event) error {
	out := engine.Dispatch(ctx, hook, ev)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
