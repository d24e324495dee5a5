package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/opsconsole/console/internal/watch"
	"github.com/spf13/cobra"
)

var watchOutputFormat string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream real-time activity for the session",
	Long: `Open the session's real-time channel and stream everything it carries.

Chat lines, relayed external messages, instance status changes and pairing
codes are printed as they arrive, together with channel status changes.
Press Ctrl-C to close the channel.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch the channel
  console watch

  # Export events as JSON
  console watch --output=json > events.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}

	format, err := watch.ParseOutputFormat(watchOutputFormat)
	if err != nil {
		return e.p.Error("invalid output format", err.Error(), []string{"Valid formats: default, json"})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := e.connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Stop()

	return watch.StreamActivity(ctx, rt.Subscribe(ctx), rt.Status(ctx), format, cmd.OutOrStdout())
}
