package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"kexclusion/internal/agent"
	"kexclusion/internal/transport"
)

// ErrInboxClosed is returned when the transport inbox closes under a
// running engine.
var ErrInboxClosed = errors.New("engine: inbox closed")

// Engine is the protocol engine of one peer.
type Engine struct {
	agent     *agent.Agent
	transport transport.Transport
	driver    *Driver
	logger    *slog.Logger
}

// New creates an engine.
func New(a *agent.Agent, t transport.Transport, d *Driver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		agent:     a,
		transport: t,
		driver:    d,
		logger:    logger.With("peer", a.ID()),
	}
}

// Run drives the agent until ctx is done or a fatal error occurs. It
// returns nil on cancellation. Transport errors are fatal and returned
// as is.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.driver.Run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	e.logger.Info("engine started")
	if err := e.apply(ctx, e.agent.Start()); err != nil {
		return err
	}

	inbox := e.transport.Inbox()
	for {
		var (
			step agent.Step
			err  error
		)
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped", "stats", fmt.Sprintf("%+v", e.agent.Stats()))
			return nil
		case msg, ok := <-inbox:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrInboxClosed
			}
			step, err = e.agent.Handle(msg)
		case w := <-e.driver.Wakes():
			step, err = e.agent.Wake(w)
		}
		if err != nil {
			return fmt.Errorf("peer %d: %w", e.agent.ID(), err)
		}
		if err := e.apply(ctx, step); err != nil {
			return err
		}
	}
}

func (e *Engine) apply(ctx context.Context, step agent.Step) error {
	for _, o := range step.Out {
		if err := e.transport.Send(ctx, o.To, o.Msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("send failed", "to", o.To, "err", err)
			return err
		}
	}
	if step.Timer != nil {
		if err := e.driver.Arm(*step.Timer); err != nil {
			return fmt.Errorf("peer %d: arm %s: %w", e.agent.ID(), step.Timer.Phase, err)
		}
	}
	return nil
}
