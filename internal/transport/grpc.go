package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"kexclusion/internal/wire"
)

// GRPCConfig configures a GRPC transport.
type GRPCConfig struct {
	// ID is this peer's id; Addrs[ID] is the listen address.
	ID     int
	Addrs  map[int]string
	Logger *slog.Logger
	// Session identifies this process to peers. Generated when zero.
	Session uuid.UUID
}

// GRPC is a transport over gRPC client streams.
type GRPC struct {
	id       int
	session  uuid.UUID
	box      *mailbox
	server   *grpc.Server
	listener net.Listener
	clients  *ClientManager
	logger   *slog.Logger
	cancel   context.CancelFunc
	served   chan error
}

// NewGRPC listens on this peer's address and starts serving. Outbound
// streams are opened on first send.
func NewGRPC(cfg GRPCConfig) (*GRPC, error) {
	addr, ok := cfg.Addrs[cfg.ID]
	if !ok {
		return nil, &Error{Op: "listen", Peer: cfg.ID, Err: ErrUnknownPeer}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	session := cfg.Session
	if session == uuid.Nil {
		var err error
		if session, err = uuid.NewV7(); err != nil {
			return nil, fmt.Errorf("failed to create session id: %w", err)
		}
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &Error{Op: "listen", Peer: cfg.ID, Err: fmt.Errorf("failed to listen on %s: %w", addr, err)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &GRPC{
		id:       cfg.ID,
		session:  session,
		box:      newMailbox(),
		server:   grpc.NewServer(),
		listener: lis,
		clients:  NewClientManager(ctx, cfg.ID, session.String(), cfg.Addrs),
		logger:   logger.With("transport", "grpc"),
		cancel:   cancel,
		served:   make(chan error, 1),
	}
	g.server.RegisterService(&peerServiceDesc, newServer(g.box, g.logger))

	// Enable gRPC reflection for grpcurl
	reflection.Register(g.server)

	g.logger.Info("listening", "addr", lis.Addr().String(), "session", session.String())
	go func() {
		g.served <- g.server.Serve(lis)
	}()
	return g, nil
}

// Addr returns the bound listen address.
func (g *GRPC) Addr() net.Addr {
	return g.listener.Addr()
}

// Session returns this process's session id.
func (g *GRPC) Session() uuid.UUID {
	return g.session
}

// Send encodes msg and writes it to the stream for peer to.
func (g *GRPC) Send(ctx context.Context, to int, msg wire.Message) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "send", Peer: to, Err: err}
	}
	payload, err := wire.Encode(msg)
	if err != nil {
		return &Error{Op: "encode", Peer: to, Err: err}
	}
	l, err := g.clients.getLink(ctx, to)
	if err != nil {
		return &Error{Op: "connect", Peer: to, Err: err}
	}
	if err := l.send(payload); err != nil {
		return &Error{Op: "send", Peer: to, Err: err}
	}
	return nil
}

// Inbox returns the inbound message channel.
func (g *GRPC) Inbox() <-chan wire.Message {
	return g.box.out
}

// Close stops the server and closes every peer stream.
func (g *GRPC) Close() error {
	g.logger.Info("stopping")
	err := g.clients.Close()
	g.cancel()
	g.server.Stop()
	g.box.close()
	<-g.served
	return err
}
