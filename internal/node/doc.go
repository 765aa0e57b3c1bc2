// Package node assembles one peer process from its configuration: the gRPC
// transport listening on the peer's address, the participant agent, the
// demand driver and the protocol engine.
package node
