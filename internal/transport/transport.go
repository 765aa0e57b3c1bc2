package transport

import (
	"context"
	"errors"
	"fmt"

	"kexclusion/internal/wire"
)

// Transport is a reliable point-to-point link to every peer.
type Transport interface {
	// Send delivers msg to peer to. Messages to one peer arrive in the
	// order they were sent.
	Send(ctx context.Context, to int, msg wire.Message) error
	// Inbox yields inbound messages from every peer. It is closed after
	// Close.
	Inbox() <-chan wire.Message
	// Close releases the transport.
	Close() error
}

var (
	// ErrClosed is returned when sending on a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrUnknownPeer is returned when sending to a peer id with no address.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Error is a transport failure. The protocol has no retry policy, so a
// transport error is fatal to the engine that sees it.
type Error struct {
	Op   string
	Peer int
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s peer %d: %v", e.Op, e.Peer, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport returns true if err is or wraps a transport Error.
func IsTransport(err error) bool {
	var te *Error
	return errors.As(err, &te)
}
