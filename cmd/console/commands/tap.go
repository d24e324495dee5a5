package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/opsconsole/console/internal/tap"
	"github.com/opsconsole/console/internal/watch"
	"github.com/opsconsole/console/pkg/realtime"
	"github.com/spf13/cobra"
)

var (
	tapHistory      int
	tapFollow       bool
	tapCounts       bool
	tapOutputFormat string
)

var tapCmd = &cobra.Command{
	Use:   "tap",
	Short: "Read the Redis mirror of the session's events",
	Long: `Read the Redis mirror that running consoles publish the session's events to.

Any console started with tap.redis_url set mirrors every frame it routes. This
command reads that mirror without opening a channel of its own.

Examples:
  # Show the last 20 mirrored frames
  console tap --history 20

  # Follow the mirror live
  console tap --follow

  # Count frames by type
  console tap --counts`,
	Args: cobra.NoArgs,
	RunE: runTap,
}

func init() {
	tapCmd.Flags().IntVar(&tapHistory, "history", 10, "Number of stored frames to print first")
	tapCmd.Flags().BoolVarP(&tapFollow, "follow", "f", false, "Keep printing frames as they are mirrored")
	tapCmd.Flags().BoolVar(&tapCounts, "counts", false, "Print frame counts by event type and exit")
	tapCmd.Flags().StringVarP(&tapOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(tapCmd)
}

func runTap(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}

	if !e.cfg.TapEnabled() {
		return e.p.Error(
			"event tap not configured",
			"No Redis URL is set for the event mirror.",
			[]string{
				fmt.Sprintf("Set tap.redis_url in %s", profileName()),
				"Export it:\n  export CONSOLE_TAP_REDIS_URL=redis://localhost:6379",
			},
		)
	}

	format, err := watch.ParseOutputFormat(tapOutputFormat)
	if err != nil {
		return e.p.Error("invalid output format", err.Error(), []string{"Valid formats: default, json"})
	}

	rt, err := e.runtime(cmd)
	if err != nil {
		return err
	}
	sess := rt.Session()
	if sess.Identity().UserID == 0 {
		if err := sess.Resolve(cmd.Context(), rt.Client()); err != nil {
			return e.backendFailed("look up the account", err)
		}
	}

	client, err := tap.NewClientFromURL(e.cfg.Tap.RedisURL, sess.Identity())
	if err != nil {
		return e.p.Error("invalid tap URL", err.Error(), nil)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err = client.Ping(pingCtx)
	cancel()
	if err != nil {
		return e.p.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis: %v", err),
			map[string]string{"redis_url": e.cfg.Tap.RedisURL},
			[]string{"Check that Redis is running and tap.redis_url is correct"},
		)
	}

	if tapCounts {
		return printCounts(ctx, e, client)
	}

	// Subscribe before reading history so nothing published in between is lost
	var sub *tap.Subscription
	if tapFollow {
		if sub, err = client.Subscribe(ctx); err != nil {
			return err
		}
		defer sub.Close()
	}

	history, err := client.History(ctx, tapHistory)
	if err != nil {
		return err
	}
	stored := make(chan realtime.Event, len(history))
	for _, ev := range history {
		stored <- ev
	}
	close(stored)
	if err := watch.StreamActivity(ctx, stored, nil, format, cmd.OutOrStdout()); err != nil {
		return err
	}

	if sub == nil {
		return nil
	}
	go func() {
		for err := range sub.Errors() {
			fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  %v\n", err)
		}
	}()
	return watch.StreamActivity(ctx, sub.Events(), nil, format, cmd.OutOrStdout())
}

func printCounts(ctx context.Context, e *env, client *tap.Client) error {
	counts, err := client.Counts(ctx)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		e.p.Info("No frames mirrored yet\n")
		return nil
	}

	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	e.p.Printf("%-28s %s\n", "EVENT", "COUNT")
	e.p.Printf("%-28s %s\n", "----------------------------", "-----")
	for _, t := range types {
		e.p.Printf("%-28s %d\n", t, counts[t])
	}
	return nil
}
