package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"kexclusion/internal/agent"
	"kexclusion/internal/config"
	"kexclusion/internal/engine"
	"kexclusion/internal/trace"
	"kexclusion/internal/transport"
)

// ErrStarted is returned by Start on a node that is already running.
var ErrStarted = errors.New("node: already started")

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithSink sets the protocol trace sink.
func WithSink(s trace.Sink) Option {
	return func(n *Node) { n.sink = s }
}

// WithSession sets the process session id.
func WithSession(id uuid.UUID) Option {
	return func(n *Node) { n.session = id }
}

// Node is one peer process: a gRPC transport, the participant agent and
// the protocol engine driving it.
type Node struct {
	cfg     config.Config
	logger  *slog.Logger
	sink    trace.Sink
	session uuid.UUID

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewNode validates cfg for a networked run and creates a node.
func NewNode(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.ValidateNetwork(); err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.sink == nil {
		n.sink = trace.Discard{}
	}
	if n.session == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to create session id: %w", err)
		}
		n.session = id
	}
	return n, nil
}

// Start listens on this peer's address and runs the protocol until ctx is
// done or Stop is called. A transport failure ends the run with an error.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.cancel != nil {
		n.mu.Unlock()
		return ErrStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()
	defer cancel()

	logger := n.logger.With("peer", n.cfg.PeerID)
	t, err := transport.NewGRPC(transport.GRPCConfig{
		ID:      n.cfg.PeerID,
		Addrs:   n.cfg.Addrs(),
		Logger:  logger,
		Session: n.session,
	})
	if err != nil {
		return err
	}
	defer t.Close()

	a := agent.New(agent.Config{
		ID:         n.cfg.PeerID,
		Peers:      n.cfg.N(),
		Capacity:   max(n.cfg.Capacity, 1),
		Width:      n.cfg.EffectiveWidth(),
		SkipClinic: n.cfg.Mode == config.ModeSingle,
	}, agent.WithLogger(n.logger), agent.WithSink(n.sink))

	d := engine.NewDriver(engine.Timing{
		DemandWait: n.cfg.Timing.DemandWait,
		ClinicStay: n.cfg.Timing.ClinicStay,
		WindowStay: n.cfg.Timing.WindowStay,
		MaxDemand:  n.cfg.Timing.MaxDemand,
	}, n.cfg.SeedOrNow(), logger)

	logger.Info("starting node",
		"addr", t.Addr().String(),
		"peers", n.cfg.N(),
		"capacity", n.cfg.Capacity,
		"width", n.cfg.EffectiveWidth(),
		"mode", string(n.cfg.Mode),
	)
	return engine.New(a, t, d, n.logger).Run(ctx)
}

// Stop ends a running Start.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		n.logger.Info("stopping node", "peer", n.cfg.PeerID)
		n.cancel()
	}
}

// Session returns the process session id.
func (n *Node) Session() uuid.UUID {
	return n.session
}
