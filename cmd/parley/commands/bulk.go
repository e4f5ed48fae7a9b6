package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/dyluth/parley/internal/delivery"
	"github.com/dyluth/parley/internal/hoard"
	"github.com/dyluth/parley/internal/queue"
	"github.com/dyluth/parley/pkg/message"
	"github.com/spf13/cobra"
)

var (
	bulkViaQueue bool
	bulkSubmit   bool
	bulkWorkers  int
	bulkOutput   string
	bulkStrict   bool
)

var bulkCmd = &cobra.Command{
	Use:   "bulk FILE",
	Short: "Deliver every message in a JSONL file",
	Long: `Deliver a batch of messages read from a JSON Lines file (or a JSON
array). Use "-" to read from stdin.

Messages are delivered concurrently. Lines that cannot be decoded and
messages that fail validation are reported and skipped unless --strict
is set, in which case nothing is sent.

Delivery modes:
  (default)     deliver directly, concurrently, from this process
  --via-queue   buffer through the bounded queue and drain with --workers
  --submit      push to the shared outbox for 'parley serve' (redis backend)

Examples:
  parley bulk messages.jsonl
  cat export.json | parley bulk - --output jsonl
  parley bulk nightly.jsonl --submit`,
	Args: cobra.ExactArgs(1),
	RunE: runBulk,
}

func init() {
	bulkCmd.Flags().BoolVar(&bulkViaQueue, "via-queue", false, "Buffer through the queue manager before delivering")
	bulkCmd.Flags().BoolVar(&bulkSubmit, "submit", false, "Submit to the shared outbox instead of delivering (redis backend)")
	bulkCmd.Flags().IntVarP(&bulkWorkers, "workers", "w", 0, "Concurrent delivery workers (default from queue.workers)")
	bulkCmd.Flags().StringVarP(&bulkOutput, "output", "o", "default", "Output format: default or jsonl")
	bulkCmd.Flags().BoolVar(&bulkStrict, "strict", false, "Refuse to send anything if any line is invalid")
	bulkCmd.MarkFlagsMutuallyExclusive("via-queue", "submit")
	rootCmd.AddCommand(bulkCmd)
}

func runBulk(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)

	format, err := hoard.ParseOutputFormat(bulkOutput)
	if err != nil {
		return p.Error("invalid output format", err.Error(), []string{"Use --output default or --output jsonl"})
	}

	batch, err := readBatch(cmd, args[0])
	if err != nil {
		return err
	}

	var valid []*message.Message
	skipped := 0
	for _, lerr := range batch.Errors {
		p.Warning("line %d: %v\n", lerr.Line, lerr.Err)
		skipped++
	}
	for i, m := range batch.Messages {
		if err := m.Validate(); err != nil {
			p.Warning("line %d: %v\n", batch.Lines[i], err)
			skipped++
			continue
		}
		valid = append(valid, m)
	}

	if skipped > 0 && bulkStrict {
		return p.Error(
			fmt.Sprintf("%d invalid message(s), nothing sent", skipped),
			"--strict refuses partial batches.",
			[]string{"Check the file first:\n  parley validate " + args[0]},
		)
	}
	if len(valid) == 0 {
		return p.Error("no valid messages to send", "", nil)
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

	if bulkSubmit {
		return submitBatch(ctx, rt, valid)
	}

	workers := bulkWorkers
	if workers <= 0 {
		workers = rt.cfg.Queue.Workers
	}

	var results []*delivery.Result
	if bulkViaQueue {
		results, err = deliverViaQueue(ctx, rt, valid, workers)
		if err != nil {
			return err
		}
	} else {
		results = orderResults(valid, rt.engine.DeliverBulk(ctx, valid))
	}

	if format == hoard.OutputFormatJSONL {
		if err := hoard.FormatJSONL(p.Out(), results); err != nil {
			return err
		}
	}

	delivered, failed := 0, 0
	for _, res := range results {
		if res.Delivered() {
			delivered++
			continue
		}
		failed++
		if format != hoard.OutputFormatJSONL {
			p.Warning("%s -> %s: %s: %s\n", res.MessageID, res.Recipient, res.Status, res.Reason)
		}
	}

	if failed > 0 {
		return p.ErrorWithContext(
			fmt.Sprintf("%d of %d message(s) not delivered", failed, len(results)),
			"",
			map[string]string{
				"delivered": fmt.Sprint(delivered),
				"failed":    fmt.Sprint(failed),
				"skipped":   fmt.Sprint(skipped),
			},
			nil,
		)
	}
	if format != hoard.OutputFormatJSONL {
		p.Success("Delivered %d message(s)", delivered)
		if skipped > 0 {
			p.Info(", skipped %d", skipped)
		}
		p.Info("\n")
	}
	return nil
}

// orderResults lists bulk results in input order. Duplicate IDs share one
// result and are listed once.
func orderResults(msgs []*message.Message, byID map[string]*delivery.Result) []*delivery.Result {
	seen := make(map[string]bool, len(byID))
	out := make([]*delivery.Result, 0, len(byID))
	for _, m := range msgs {
		if res, ok := byID[m.ID]; ok && !seen[m.ID] {
			seen[m.ID] = true
			out = append(out, res)
		}
	}
	return out
}

func deliverViaQueue(ctx context.Context, rt *runtime, msgs []*message.Message, workers int) ([]*delivery.Result, error) {
	capacity := rt.cfg.Queue.Capacity
	if capacity < len(msgs) {
		capacity = len(msgs)
	}
	mgr, err := queue.NewManager(rt.engine, capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	defer mgr.Close()

	for _, m := range msgs {
		if err := mgr.Enqueue(m); err != nil {
			return nil, fmt.Errorf("failed to enqueue %s: %w", m.ID, err)
		}
	}

	report := mgr.Drain(ctx, workers)

	// Workers finish out of order; restore input order for output.
	pos := make(map[string]int, len(msgs))
	for i, m := range msgs {
		if _, ok := pos[m.ID]; !ok {
			pos[m.ID] = i
		}
	}
	results := report.Results
	sort.SliceStable(results, func(i, j int) bool {
		return pos[results[i].MessageID] < pos[results[j].MessageID]
	})
	return results, nil
}

func submitBatch(ctx context.Context, rt *runtime, msgs []*message.Message) error {
	store, err := rt.requireRedis("--submit")
	if err != nil {
		return err
	}
	for i, m := range msgs {
		if err := store.Submit(ctx, m); err != nil {
			return fmt.Errorf("failed to submit message %d of %d (%s): %w", i+1, len(msgs), m.ID, err)
		}
	}
	rt.p.Success("Submitted %d message(s) to the outbox\n", len(msgs))
	return nil
}
