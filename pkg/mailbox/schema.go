package mailbox

import "fmt"

// Redis key pattern helpers
//
// All keys and channels are namespaced by instance name so several parley
// instances can share one Redis server.
//
// Key pattern: parley:{instance_name}:{entity}[:{id}]

// MessageKey returns the hash holding one delivered message.
// Pattern: parley:{instance_name}:message:{recipient}:{message_id}
func MessageKey(instanceName, recipient, messageID string) string {
	return fmt.Sprintf("parley:%s:message:%s:%s", instanceName, recipient, messageID)
}

// InboxKey returns the ZSET of message IDs in a recipient's inbox, scored by
// creation time in milliseconds.
// Pattern: parley:{instance_name}:inbox:{recipient}
func InboxKey(instanceName, recipient string) string {
	return fmt.Sprintf("parley:%s:inbox:%s", instanceName, recipient)
}

// RecipientsKey returns the hash of registered recipients (name → role).
// Pattern: parley:{instance_name}:recipients
func RecipientsKey(instanceName string) string {
	return fmt.Sprintf("parley:%s:recipients", instanceName)
}

// OutboxKey returns the list of submitted messages awaiting dispatch.
// Pattern: parley:{instance_name}:outbox
func OutboxKey(instanceName string) string {
	return fmt.Sprintf("parley:%s:outbox", instanceName)
}

// DeliveryEventsChannel returns the Pub/Sub channel carrying delivery events.
// Pattern: parley:{instance_name}:delivery_events
func DeliveryEventsChannel(instanceName string) string {
	return fmt.Sprintf("parley:%s:delivery_events", instanceName)
}
