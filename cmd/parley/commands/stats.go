package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/parley/internal/audit"
	"github.com/dyluth/parley/internal/hoard"
	"github.com/spf13/cobra"
)

var (
	statsOutput   string
	statsReset    bool
	historyLimit  int
	historyOutput string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show delivery statistics",
	Long: `Show delivery counters aggregated across every parley process that
shares this instance's Redis audit mirror.

Requires the redis backend with audit.mirror enabled (the default).`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent delivery outcomes",
	Long: `List the most recent audited delivery outcomes, newest first.

Requires the redis backend with audit.mirror enabled (the default).`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	statsCmd.Flags().StringVarP(&statsOutput, "output", "o", "default", "Output format: default or jsonl")
	statsCmd.Flags().BoolVar(&statsReset, "reset", false, "Clear the shared counters and history")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Maximum entries to show (0 = all retained)")
	historyCmd.Flags().StringVarP(&historyOutput, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(historyCmd)
}

// openMirror returns the shared audit mirror for the configured instance.
func openMirror(rt *runtime, feature string) (*audit.RedisMirror, error) {
	store, err := rt.requireRedis(feature)
	if err != nil {
		return nil, err
	}
	if rt.mirror != nil {
		return rt.mirror, nil
	}
	if rt.cfg.Audit.Mirror != nil && !*rt.cfg.Audit.Mirror {
		rt.p.Warning("audit.mirror is disabled; showing whatever an earlier run recorded\n")
	}
	return audit.NewRedisMirror(store.Client(), rt.cfg.Instance, rt.cfg.Audit.Capacity)
}

func runStats(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)

	format, err := hoard.ParseOutputFormat(statsOutput)
	if err != nil {
		return p.Error("invalid output format", err.Error(), nil)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := openRuntime(ctx, p)
	if err != nil {
		return err
	}
	defer rt.close()

	mirror, err := openMirror(rt, "stats")
	if err != nil {
		return err
	}

	if statsReset {
		if err := mirror.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset statistics: %w", err)
		}
		p.Success("Statistics reset for instance '%s'\n", rt.cfg.Instance)
		return nil
	}

	stats, err := mirror.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read statistics: %w", err)
	}

	if format == hoard.OutputFormatJSONL {
		return hoard.FormatSingleJSON(p.Out(), stats)
	}
	p.Info("Delivery statistics for instance '%s'\n\n", rt.cfg.Instance)
	hoard.FormatStats(p.Out(), stats)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)

	format, err := hoard.ParseOutputFormat(historyOutput)
	if err != nil {
		return p.Error("invalid output format", err.Error(), nil)
	}
	if historyLimit < 0 {
		return p.Error("invalid limit", "--limit must be zero or positive", nil)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := openRuntime(ctx, p)
	if err != nil {
		return err
	}
	defer rt.close()

	mirror, err := openMirror(rt, "history")
	if err != nil {
		return err
	}

	entries, err := mirror.History(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	if format == hoard.OutputFormatJSONL {
		return hoard.FormatJSONL(p.Out(), entries)
	}
	hoard.FormatHistoryTable(p.Out(), entries, time.Now())
	return nil
}
