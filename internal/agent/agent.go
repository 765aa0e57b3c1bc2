package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"kexclusion/internal/clock"
	"kexclusion/internal/coordinator"
	"kexclusion/internal/trace"
	"kexclusion/internal/wire"
)

// Config holds the parameters of one participant.
type Config struct {
	ID    int
	Peers int
	// Capacity is K, the clinic capacity.
	Capacity int
	// Width is L, the number of window holders admitted at once.
	Width int
	// SkipClinic runs only the window cycle. With Width 1 this is classic
	// single critical section Ricart-Agrawala.
	SkipClinic bool
}

// Timer asks the caller to wake the agent in Phase after a local delay.
type Timer struct {
	Phase Phase
}

// Wake is a timer expiry. Demand is the amount of new work drawn for an
// AwaitingDemand wake and is ignored otherwise.
type Wake struct {
	Phase  Phase
	Demand int
}

// Step is the result of one processed event.
type Step struct {
	Out   []wire.Outbound
	Timer *Timer
}

// Stats counts processed events.
type Stats struct {
	Received      int
	Sent          int
	ClinicEntries int
	WindowEntries int
	Violations    int
	LateGrants    int
	Dropped       int
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock sets the starting clock.
func WithClock(c *clock.Lamport) Option {
	return func(a *Agent) { a.clock = c }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithSink sets the trace sink.
func WithSink(s trace.Sink) Option {
	return func(a *Agent) { a.sink = s }
}

// Agent is one participant. It is not safe for concurrent use; exactly one
// protocol engine drives it.
type Agent struct {
	cfg    Config
	clock  *clock.Lamport
	clinic *coordinator.Coordinator
	window *coordinator.Coordinator
	logger *slog.Logger
	sink   trace.Sink

	phase   Phase
	pending int
	granted int
	stats   Stats
}

// New creates an agent in AwaitingDemand.
func New(cfg Config, opts ...Option) *Agent {
	a := &Agent{cfg: cfg, phase: AwaitingDemand}
	for _, opt := range opts {
		opt(a)
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("peer", cfg.ID)
	if a.sink == nil {
		a.sink = trace.Discard{}
	}

	a.clinic = coordinator.New(coordinator.Config{
		Resource: coordinator.Clinic,
		Self:     cfg.ID,
		Peers:    cfg.Peers,
		Limit:    cfg.Capacity,
		Clock:    a.clock,
		Emit:     a.emit,
	})
	a.window = coordinator.New(coordinator.Config{
		Resource: coordinator.Window,
		Self:     cfg.ID,
		Peers:    cfg.Peers,
		Limit:    cfg.Width,
		Clock:    a.clock,
		Emit:     a.emit,
	})
	return a
}

// Start returns the first timer to arm.
func (a *Agent) Start() Step {
	a.emit(trace.KindDemand, "waiting for demand")
	return Step{Timer: &Timer{Phase: AwaitingDemand}}
}

// Handle processes one inbound message. Protocol violations are logged and
// the message dropped; the returned error is reserved for faults the agent
// cannot absorb.
func (a *Agent) Handle(msg wire.Message) (Step, error) {
	if msg.Sender < 0 || msg.Sender >= a.cfg.Peers || msg.Sender == a.cfg.ID || msg.Tag == wire.Loopback {
		a.stats.Dropped++
		a.logger.Warn("dropping message", "msg", msg.String())
		return Step{}, nil
	}
	a.clock.Observe(msg.Timestamp)
	a.stats.Received++
	a.emit(trace.KindReceive, "received %s ts=%d value=%d from %d", msg.Tag, msg.Timestamp, msg.Value, msg.Sender)

	var (
		out []wire.Outbound
		err error
	)
	switch msg.Tag {
	case wire.ClinicRequest:
		out, err = a.clinic.OnRequest(msg)
	case wire.ClinicAgree:
		out, err = a.clinic.OnAgree(msg)
	case wire.WindowRequest:
		// Pair FIFO: a window request proves its sender left the clinic.
		a.clinic.Forget(msg.Sender)
		out, err = a.window.OnRequest(msg)
	case wire.WindowAgree:
		out, err = a.window.OnAgree(msg)
	default:
		a.stats.Dropped++
		a.logger.Warn("unknown tag", "msg", msg.String())
		return Step{}, nil
	}
	if err := a.absorb(err); err != nil {
		return Step{}, err
	}

	step, err := a.advance()
	if err != nil {
		return Step{}, err
	}
	step.Out = append(out, step.Out...)
	a.stats.Sent += len(step.Out)
	return step, nil
}

// Wake processes a timer expiry. A wake for a phase the agent is not in is
// ignored.
func (a *Agent) Wake(w Wake) (Step, error) {
	if w.Phase != a.phase {
		a.logger.Debug("stale wake", "wake", w.Phase.String(), "phase", a.phase.String())
		return Step{}, nil
	}

	var (
		step Step
		err  error
	)
	switch a.phase {
	case AwaitingDemand:
		a.pending = max(w.Demand, 0)
		a.emit(trace.KindDemand, "new demand %d", a.pending)
		if a.pending == 0 || a.cfg.SkipClinic {
			step, err = a.beginWindow()
		} else {
			step, err = a.beginClinic()
		}

	case OccupyingA:
		var out []wire.Outbound
		out, err = a.clinic.Release()
		if err != nil {
			return Step{}, err
		}
		a.phase = ReleasingA
		a.pending -= a.granted
		a.granted = 0
		a.emit(trace.KindRelease, "left clinic, %d pending", max(a.pending, 0))
		if a.pending > 0 {
			step, err = a.beginClinic()
		} else {
			step, err = a.beginWindow()
		}
		step.Out = append(out, step.Out...)

	case OccupyingB:
		var out []wire.Outbound
		out, err = a.window.Release()
		if err != nil {
			return Step{}, err
		}
		a.phase = ReleasingB
		a.emit(trace.KindRelease, "left window")
		a.phase = AwaitingDemand
		a.emit(trace.KindDemand, "waiting for demand")
		step = Step{Out: out, Timer: &Timer{Phase: AwaitingDemand}}

	default:
		return Step{}, fmt.Errorf("agent %d: wake in untimed phase %s", a.cfg.ID, a.phase)
	}
	if err != nil {
		return Step{}, err
	}
	a.stats.Sent += len(step.Out)
	return step, nil
}

func (a *Agent) beginClinic() (Step, error) {
	a.phase = RequestingA
	out, err := a.clinic.Begin(min(a.pending, a.cfg.Capacity))
	if err != nil {
		return Step{}, err
	}
	step, err := a.advance()
	step.Out = append(out, step.Out...)
	return step, err
}

func (a *Agent) beginWindow() (Step, error) {
	a.phase = RequestingB
	out, err := a.window.Begin(1)
	if err != nil {
		return Step{}, err
	}
	step, err := a.advance()
	step.Out = append(out, step.Out...)
	return step, err
}

// advance enters the resource being requested once its quorum completes.
func (a *Agent) advance() (Step, error) {
	switch {
	case a.phase == RequestingA && a.clinic.Ready():
		granted, out, err := a.clinic.Enter()
		if err != nil {
			return Step{}, err
		}
		a.granted = granted
		a.phase = OccupyingA
		a.stats.ClinicEntries++
		return Step{Out: out, Timer: &Timer{Phase: OccupyingA}}, nil

	case a.phase == RequestingB && a.window.Ready():
		_, out, err := a.window.Enter()
		if err != nil {
			return Step{}, err
		}
		a.phase = OccupyingB
		a.stats.WindowEntries++
		return Step{Out: out, Timer: &Timer{Phase: OccupyingB}}, nil
	}
	return Step{}, nil
}

// absorb logs and counts protocol violations in err and returns whatever
// is left.
func (a *Agent) absorb(err error) error {
	if err == nil {
		return nil
	}
	vs := coordinator.Violations(err)
	if len(vs) == 0 {
		return err
	}
	for _, v := range vs {
		a.stats.Violations++
		level := slog.LevelWarn
		if v.Code == coordinator.CodeLateAgree {
			a.stats.LateGrants++
			level = slog.LevelDebug
		} else {
			a.emit(trace.KindViolation, "%s", v.Error())
		}
		a.logger.Log(context.Background(), level, "protocol violation",
			"code", string(v.Code), "resource", v.Resource, "from", v.Peer, "detail", v.Detail)
	}
	var lost []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			var v *coordinator.Violation
			if !errors.As(e, &v) {
				lost = append(lost, e)
			}
		}
	}
	return errors.Join(lost...)
}

func (a *Agent) emit(kind trace.Kind, format string, args ...any) {
	a.sink.Record(trace.Event{
		Clock: a.clock.Now(),
		Peer:  a.cfg.ID,
		Phase: a.phase.String(),
		Kind:  kind,
		Text:  fmt.Sprintf(format, args...),
	})
}

// ID returns the peer id.
func (a *Agent) ID() int { return a.cfg.ID }

// Phase returns the current phase.
func (a *Agent) Phase() Phase { return a.phase }

// Pending returns the residual clinic demand.
func (a *Agent) Pending() int { return a.pending }

// Granted returns the clinic quantity held in OccupyingA.
func (a *Agent) Granted() int { return a.granted }

// Stats returns a snapshot of the counters.
func (a *Agent) Stats() Stats { return a.stats }

// Clock returns the agent's clock.
func (a *Agent) Clock() *clock.Lamport { return a.clock }

// Clinic returns the clinic coordinator.
func (a *Agent) Clinic() *coordinator.Coordinator { return a.clinic }

// Window returns the window coordinator.
func (a *Agent) Window() *coordinator.Coordinator { return a.window }
