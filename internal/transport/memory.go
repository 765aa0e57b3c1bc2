package transport

import (
	"context"

	"kexclusion/internal/wire"
)

// Network is an in-process network of peers addressed 0..n-1.
type Network struct {
	boxes []*mailbox
}

// NewNetwork creates a network of n peers.
func NewNetwork(n int) *Network {
	net := &Network{boxes: make([]*mailbox, n)}
	for i := range net.boxes {
		net.boxes[i] = newMailbox()
	}
	return net
}

// Endpoint returns the transport of peer id.
func (n *Network) Endpoint(id int) *Memory {
	return &Memory{net: n, id: id}
}

// Pending returns the number of undelivered messages queued for peer id.
func (n *Network) Pending(id int) int {
	return n.boxes[id].len()
}

// Close shuts down every endpoint.
func (n *Network) Close() {
	for _, b := range n.boxes {
		b.close()
	}
}

// Memory is one peer's endpoint on a Network.
type Memory struct {
	net *Network
	id  int
}

// Send enqueues msg in the receiver's mailbox.
func (m *Memory) Send(ctx context.Context, to int, msg wire.Message) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "send", Peer: to, Err: err}
	}
	if to < 0 || to >= len(m.net.boxes) {
		return &Error{Op: "send", Peer: to, Err: ErrUnknownPeer}
	}
	if !m.net.boxes[to].push(msg) {
		return &Error{Op: "send", Peer: to, Err: ErrClosed}
	}
	return nil
}

// Inbox returns this peer's inbound channel.
func (m *Memory) Inbox() <-chan wire.Message {
	return m.net.boxes[m.id].out
}

// Close closes this peer's mailbox. Later sends to it fail.
func (m *Memory) Close() error {
	m.net.boxes[m.id].close()
	return nil
}
