// Package agent implements the participant state machine of one peer.
//
// An Agent owns the peer's Lamport clock and its two coordinators. It is a
// pure event handler: Handle consumes one inbound message, Wake consumes one
// timer expiry, and both return the messages to send plus, when the agent
// entered a timed phase, the timer to arm. The caller is responsible for
// delivery and for arming exactly one timer per request.
package agent
