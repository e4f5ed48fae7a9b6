// Package mailbox provides the physical transport behind message delivery.
//
// # Overview
//
// A Store places a message into a recipient's mailbox. The delivery engine
// only depends on the Store interface; three implementations are provided:
//
//   - RedisStore keeps per-recipient inboxes in Redis and publishes a
//     DeliveryEvent for every stored message. It also owns the outbox list
//     that feeds the dispatcher service.
//   - MemoryStore keeps inboxes in process memory.
//   - AMQPStore publishes to a RabbitMQ exchange with the recipient as routing
//     key and waits for publisher confirms.
//
// # Idempotency
//
// Every store treats (recipient, message ID) as the idempotency key, so a
// retried delivery never produces a duplicate inbox entry.
//
// # Multi-Instance Support
//
// Redis keys and channels are namespaced by instance name:
//
//	parley:{instance}:recipients                  hash   name → role
//	parley:{instance}:inbox:{recipient}           zset   message IDs by created_at
//	parley:{instance}:message:{recipient}:{id}    hash   message fields
//	parley:{instance}:outbox                      list   JSON submissions
//	parley:{instance}:delivery_events             pub/sub channel
package mailbox
