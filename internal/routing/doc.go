// Package routing decides how a message is delivered.
//
// A RuleSet resolves a message to a named strategy by consulting three
// tables in a fixed order (priority, then message type, then sender role)
// and falls back to "standard". A PolicyTable turns the strategy name into a
// per-attempt timeout and retry budget. Refine attaches the informational
// outcome label recorded for delivered messages.
package routing
