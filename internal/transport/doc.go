// Package transport moves protocol messages between peers.
//
// Every implementation delivers messages from one sender to one receiver in
// send order. No order is promised across senders. Two implementations are
// provided: Memory, an in-process network for simulation and tests, and
// GRPC, which carries one fixed-width record per message over a long-lived
// client stream per peer link.
package transport
