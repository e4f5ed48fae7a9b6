package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dyluth/parley/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchTo     string
	watchOutput string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream deliveries as they happen",
	Long: `Print one line per delivered message until interrupted.

Deliveries made by any parley process sharing this instance are shown.
Requires the redis backend.

Examples:
  parley watch
  parley watch --to coder
  parley watch -o json | jq .message.content`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchTo, "to", "", "Only show deliveries to this recipient")
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "default", "Output format: default or json")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)

	format := watch.OutputFormat(watchOutput)
	if format != watch.OutputFormatDefault && format != watch.OutputFormatJSON {
		return p.Error("invalid output format", fmt.Sprintf("unknown output format: %s", watchOutput),
			[]string{"Use --output default or --output json"})
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, p)
	if err != nil {
		return err
	}
	defer rt.close()

	store, err := rt.requireRedis("watch")
	if err != nil {
		return err
	}

	sub, err := store.SubscribeDeliveries(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to deliveries: %w", err)
	}
	defer sub.Close()

	if format == watch.OutputFormatDefault {
		target := "all recipients"
		if watchTo != "" {
			target = watchTo
		}
		p.Step("Watching deliveries to %s (Ctrl+C to stop)\n", target)
	}
	return watch.StreamDeliveries(ctx, sub, watchTo, format, p.Out())
}
