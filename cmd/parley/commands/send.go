package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/parley/internal/delivery"
	"github.com/dyluth/parley/internal/printer"
	"github.com/dyluth/parley/internal/watch"
	"github.com/dyluth/parley/pkg/message"
	"github.com/spf13/cobra"
)

var (
	sendFrom     string
	sendTo       string
	sendContent  string
	sendType     string
	sendPriority string
	sendRole     string
	sendTags     []string
	sendID       string
	sendSubmit   bool
	sendWait     time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message",
	Long: `Route and deliver a single message.

By default the message is delivered immediately by this process: the
routing rules pick a strategy, and delivery is retried within that
strategy's budget. With --submit the message is instead placed on the
shared outbox for a running 'parley serve' to deliver.

Examples:
  parley send --from lead --to coder -m "Start on the parser"
  parley send --from lead --to coder -m "Prod is down" --priority urgent --role coordinator
  parley send --from ci --to lead -m "Build green" --submit --wait 10s`,
	Args: cobra.NoArgs,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "Sender identifier (required)")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Recipient identifier (required)")
	sendCmd.Flags().StringVarP(&sendContent, "content", "m", "", "Message content (required)")
	sendCmd.Flags().StringVarP(&sendType, "type", "t", "", "Message type: agent_to_agent, agent_to_coordinator, system_broadcast, coordinator_to_agent, human_to_agent")
	sendCmd.Flags().StringVarP(&sendPriority, "priority", "p", "", "Priority: urgent, high, normal, low")
	sendCmd.Flags().StringVar(&sendRole, "role", "", "Sender role: agent, coordinator, system, human")
	sendCmd.Flags().StringSliceVar(&sendTags, "tag", nil, "Tag (repeatable)")
	sendCmd.Flags().StringVar(&sendID, "id", "", "Message ID (generated if omitted)")
	sendCmd.Flags().BoolVar(&sendSubmit, "submit", false, "Queue on the shared outbox instead of delivering now (redis backend)")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "With --submit, wait this long for the message to reach the inbox")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)

	msg, err := buildMessage()
	if err != nil {
		return p.Error("invalid flag value", err.Error(), nil)
	}
	if res := message.Validate(msg); !res.Valid {
		return p.Error(
			"invalid message",
			strings.Join(res.Errors, "\n"),
			[]string{"Provide --from, --to and --content (-m)"},
		)
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

	if sendSubmit {
		return submitMessage(ctx, rt, msg)
	}

	result := rt.engine.Deliver(ctx, msg)
	return reportResult(p, result)
}

func buildMessage() (*message.Message, error) {
	b := message.New(sendFrom, sendTo, sendContent).Tags(sendTags...)
	if sendID != "" {
		b.ID(sendID)
	}
	if sendType != "" {
		t, err := message.ParseType(sendType)
		if err != nil {
			return nil, err
		}
		b.Type(t)
	}
	if sendPriority != "" {
		pr, err := message.ParsePriority(sendPriority)
		if err != nil {
			return nil, err
		}
		b.Priority(pr)
	}
	if sendRole != "" {
		r, err := message.ParseRole(sendRole)
		if err != nil {
			return nil, err
		}
		b.Role(r)
	}
	return b.Build(), nil
}

func submitMessage(ctx context.Context, rt *runtime, msg *message.Message) error {
	store, err := rt.requireRedis("--submit")
	if err != nil {
		return err
	}
	if err := store.Submit(ctx, msg); err != nil {
		return fmt.Errorf("failed to submit message: %w", err)
	}
	rt.p.Success("Submitted %s for %s\n", msg.ID, msg.Recipient)

	if sendWait <= 0 {
		return nil
	}
	rt.p.Step("Waiting up to %s for delivery...\n", sendWait)
	if _, err := watch.PollForMessage(ctx, store, msg.Recipient, msg.ID, sendWait); err != nil {
		return rt.p.Error(
			"message not delivered yet",
			err.Error(),
			[]string{"Check a dispatcher is running:\n  parley serve"},
		)
	}
	rt.p.Success("Delivered to %s\n", msg.Recipient)
	return nil
}

// reportResult prints a delivery result and returns an error for
// anything other than a delivered message.
func reportResult(p *printer.Printer, res *delivery.Result) error {
	if res.Delivered() {
		p.Success("Delivered %s to %s via %s (%s, %s)\n",
			res.MessageID, res.Recipient, res.Strategy, res.Outcome, attempts(res.Attempts))
		return nil
	}

	return p.ErrorWithContext(
		fmt.Sprintf("message %s", res.Status),
		res.Reason,
		map[string]string{
			"message_id": res.MessageID,
			"recipient":  res.Recipient,
			"strategy":   res.Strategy,
			"attempts":   fmt.Sprint(res.Attempts),
		},
		[]string{"List registered agents:\n  parley agents list"},
	)
}

func attempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}
