package routing

import "github.com/dyluth/parley/pkg/message"

// Outcome is informational metadata attached to a delivered message.
// It is not a status; it labels how the coordination layer treated the message.
type Outcome string

const (
	OutcomeCoordinated Outcome = "coordinated"
	OutcomeBroadcasted Outcome = "broadcasted"
	OutcomePrioritized Outcome = "prioritized"
	OutcomeProcessed   Outcome = "processed"
)

// Refine labels a message. Checks run in this order and the first one that
// matches wins: coordinator sender, system broadcast, coordinator-to-agent
// directive. Anything else is labelled processed.
func Refine(msg *message.Message) Outcome {
	switch {
	case msg.SenderRole == message.RoleCoordinator:
		return OutcomeCoordinated
	case msg.Type == message.TypeSystemBroadcast:
		return OutcomeBroadcasted
	case msg.Type == message.TypeCoordinatorToAgent:
		return OutcomePrioritized
	default:
		return OutcomeProcessed
	}
}
