package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/parley/internal/filter"
	"github.com/dyluth/parley/internal/hoard"
	"github.com/dyluth/parley/internal/resolver"
	"github.com/dyluth/parley/internal/timespec"
	"github.com/dyluth/parley/pkg/message"
	"github.com/spf13/cobra"
)

var (
	inboxSince    string
	inboxUntil    string
	inboxType     string
	inboxFrom     string
	inboxPriority string
	inboxTag      string
	inboxLimit    int
	inboxOutput   string
)

var inboxCmd = &cobra.Command{
	Use:   "inbox RECIPIENT [MESSAGE_ID]",
	Short: "List a recipient's messages, or show one",
	Long: `List the messages stored for a recipient, newest first.

With a MESSAGE_ID the full message is printed as JSON. The ID may be
shortened to any unique prefix of at least 6 characters, as shown in the
listing.

Time filters accept a duration ago (1h30m), a date (2025-06-01) or an
RFC3339 timestamp.

Examples:
  parley inbox coder
  parley inbox coder --since 1h --priority urgent
  parley inbox coder --type 'agent_*' --from lead -o jsonl
  parley inbox coder 3f2a9c`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runInbox,
}

func init() {
	inboxCmd.Flags().StringVar(&inboxSince, "since", "", "Only messages created at or after this time")
	inboxCmd.Flags().StringVar(&inboxUntil, "until", "", "Only messages created before this time")
	inboxCmd.Flags().StringVarP(&inboxType, "type", "t", "", "Message type glob (e.g. 'agent_*')")
	inboxCmd.Flags().StringVar(&inboxFrom, "from", "", "Only messages from this sender")
	inboxCmd.Flags().StringVarP(&inboxPriority, "priority", "p", "", "Only messages with this priority")
	inboxCmd.Flags().StringVar(&inboxTag, "tag", "", "Only messages carrying this tag")
	inboxCmd.Flags().IntVarP(&inboxLimit, "limit", "l", 0, "Maximum messages to list (0 = all)")
	inboxCmd.Flags().StringVarP(&inboxOutput, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(inboxCmd)
}

func runInbox(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)
	recipient := args[0]

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var criteria *filter.Criteria
	var format hoard.OutputFormat
	if len(args) == 1 {
		var err error
		criteria, err = inboxCriteria(time.Now())
		if err != nil {
			return p.Error("invalid filter", err.Error(), nil)
		}
		format, err = hoard.ParseOutputFormat(inboxOutput)
		if err != nil {
			return p.Error("invalid output format", err.Error(), []string{"Use --output default or --output jsonl"})
		}
	}

	rt, err := openRuntime(ctx, p)
	if err != nil {
		return err
	}
	defer rt.close()

	store, err := rt.inbox()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return hoard.ListInbox(ctx, store, recipient, criteria, inboxLimit, format, p.Out())
	}

	id, err := resolver.ResolveMessageID(ctx, store, recipient, args[1])
	if err != nil {
		var ambiguous *resolver.AmbiguousError
		switch {
		case resolver.IsNotFoundError(err):
			return p.Error(
				"message not found",
				err.Error(),
				[]string{fmt.Sprintf("List the inbox to see valid IDs:\n  parley inbox %s", recipient)},
			)
		case errors.As(err, &ambiguous):
			return p.Error("ambiguous message ID", resolver.FormatAmbiguousError(ambiguous), nil)
		}
		return err
	}

	if err := hoard.GetMessage(ctx, store, recipient, id, p.Out()); err != nil {
		if hoard.IsNotFound(err) {
			return p.Error("message not found", err.Error(), nil)
		}
		return err
	}
	return nil
}

func inboxCriteria(now time.Time) (*filter.Criteria, error) {
	window, err := timespec.ParseRange(inboxSince, inboxUntil, now)
	if err != nil {
		return nil, err
	}
	c := &filter.Criteria{
		Window:   window,
		TypeGlob: inboxType,
		Sender:   inboxFrom,
		Tag:      inboxTag,
	}
	if inboxPriority != "" {
		c.Priority, err = message.ParsePriority(inboxPriority)
		if err != nil {
			return nil, err
		}
	}
	if inboxLimit < 0 {
		return nil, fmt.Errorf("--limit must be zero or positive")
	}
	return c, nil
}
