package sim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"

	"kexclusion/internal/agent"
	"kexclusion/internal/clock"
	"kexclusion/internal/trace"
	"kexclusion/internal/wire"
)

// Delivery selects the message scheduling policy.
type Delivery int

const (
	// Synchronous delivers messages in global send order.
	Synchronous Delivery = iota
	// Reordered delivers the head of a random sender-receiver pair.
	Reordered
)

// Options configures a Cluster.
type Options struct {
	Peers      int
	Capacity   int
	Width      int
	SkipClinic bool
	Delivery   Delivery
	Seed       int64
	// StartClock presets every peer's clock.
	StartClock int64
	Logger     *slog.Logger
}

// Metrics are sampled after every processed event.
type Metrics struct {
	Events           int
	MaxWindowHolders int
	MaxClinicLoad    int
	ClinicEntries    int
	WindowEntries    int
	Violations       int
	LateGrants       int
}

type pair struct{ from, to int }

// Cluster is a simulated cluster.
type Cluster struct {
	opts   Options
	rng    *rand.Rand
	agents []*agent.Agent
	sink   *trace.Memory

	fifo   []wire.Outbound
	pairs  map[pair][]wire.Message
	timers map[int]agent.Phase

	metrics Metrics
}

// ErrNoTimer is returned when waking a peer with no armed timer.
var ErrNoTimer = errors.New("sim: no timer armed")

// New creates a cluster and starts every agent.
func New(opts Options) *Cluster {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Cluster{
		opts:   opts,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		sink:   trace.NewMemory(),
		pairs:  make(map[pair][]wire.Message),
		timers: make(map[int]agent.Phase),
	}
	for id := 0; id < opts.Peers; id++ {
		a := agent.New(agent.Config{
			ID:         id,
			Peers:      opts.Peers,
			Capacity:   opts.Capacity,
			Width:      opts.Width,
			SkipClinic: opts.SkipClinic,
		},
			agent.WithClock(clock.NewAt(opts.StartClock)),
			agent.WithLogger(logger),
			agent.WithSink(c.sink),
		)
		c.agents = append(c.agents, a)
	}
	for id, a := range c.agents {
		c.apply(id, a.Start())
	}
	return c
}

// Agent returns peer id.
func (c *Cluster) Agent(id int) *agent.Agent {
	return c.agents[id]
}

// Trace returns the recorded trace.
func (c *Cluster) Trace() *trace.Memory {
	return c.sink
}

// Metrics returns the sampled metrics.
func (c *Cluster) Metrics() Metrics {
	m := c.metrics
	for _, a := range c.agents {
		s := a.Stats()
		m.ClinicEntries += s.ClinicEntries
		m.WindowEntries += s.WindowEntries
		m.Violations += s.Violations
		m.LateGrants += s.LateGrants
	}
	return m
}

// Armed returns the phase of peer id's pending timer.
func (c *Cluster) Armed(id int) (agent.Phase, bool) {
	p, ok := c.timers[id]
	return p, ok
}

// InFlight returns the number of undelivered messages.
func (c *Cluster) InFlight() int {
	if c.opts.Delivery == Synchronous {
		return len(c.fifo)
	}
	n := 0
	for _, q := range c.pairs {
		n += len(q)
	}
	return n
}

// Wake fires peer id's pending timer with the given demand.
func (c *Cluster) Wake(id, demand int) error {
	phase, ok := c.timers[id]
	if !ok {
		return fmt.Errorf("peer %d: %w", id, ErrNoTimer)
	}
	delete(c.timers, id)
	step, err := c.agents[id].Wake(agent.Wake{Phase: phase, Demand: demand})
	if err != nil {
		return err
	}
	c.apply(id, step)
	return nil
}

// Step delivers one message. Returns false when none is in flight.
func (c *Cluster) Step() (bool, error) {
	o, ok := c.next()
	if !ok {
		return false, nil
	}
	step, err := c.agents[o.To].Handle(o.Msg)
	if err != nil {
		return true, err
	}
	c.apply(o.To, step)
	return true, nil
}

// Settle delivers messages until none is in flight.
func (c *Cluster) Settle() error {
	for {
		more, err := c.Step()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// Run performs steps random scheduling decisions: fire a random armed timer
// or deliver a message. Demand is drawn from [0, maxDemand).
func (c *Cluster) Run(steps, maxDemand int) error {
	for i := 0; i < steps; i++ {
		armed := c.armedIDs()
		inFlight := c.InFlight()
		if len(armed) == 0 && inFlight == 0 {
			return fmt.Errorf("sim: cluster stalled after %d steps", i)
		}
		if len(armed) > 0 && (inFlight == 0 || c.rng.Intn(4) == 0) {
			id := armed[c.rng.Intn(len(armed))]
			demand := 0
			if maxDemand > 0 {
				demand = c.rng.Intn(maxDemand)
			}
			if err := c.Wake(id, demand); err != nil {
				return err
			}
			continue
		}
		if _, err := c.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cluster) armedIDs() []int {
	ids := make([]int, 0, len(c.timers))
	for id := range c.timers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (c *Cluster) next() (wire.Outbound, bool) {
	if c.opts.Delivery == Synchronous {
		if len(c.fifo) == 0 {
			return wire.Outbound{}, false
		}
		o := c.fifo[0]
		c.fifo = c.fifo[1:]
		return o, true
	}

	keys := make([]pair, 0, len(c.pairs))
	for k, q := range c.pairs {
		if len(q) > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return wire.Outbound{}, false
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].from != keys[j].from {
			return keys[i].from < keys[j].from
		}
		return keys[i].to < keys[j].to
	})
	k := keys[c.rng.Intn(len(keys))]
	q := c.pairs[k]
	msg := q[0]
	if len(q) == 1 {
		delete(c.pairs, k)
	} else {
		c.pairs[k] = q[1:]
	}
	return wire.Outbound{To: k.to, Msg: msg}, true
}

func (c *Cluster) apply(id int, step agent.Step) {
	for _, o := range step.Out {
		if c.opts.Delivery == Synchronous {
			c.fifo = append(c.fifo, o)
			continue
		}
		k := pair{from: id, to: o.To}
		c.pairs[k] = append(c.pairs[k], o.Msg)
	}
	if step.Timer != nil {
		c.timers[id] = step.Timer.Phase
	}
	c.sample()
}

func (c *Cluster) sample() {
	c.metrics.Events++
	holders, load := 0, 0
	for _, a := range c.agents {
		switch a.Phase() {
		case agent.OccupyingB:
			holders++
		case agent.OccupyingA:
			load += a.Granted()
		}
	}
	c.metrics.MaxWindowHolders = max(c.metrics.MaxWindowHolders, holders)
	c.metrics.MaxClinicLoad = max(c.metrics.MaxClinicLoad, load)
}

// WindowHolders returns the peers currently at the window.
func (c *Cluster) WindowHolders() []int {
	return c.inPhase(agent.OccupyingB)
}

// ClinicOccupants returns the peers currently in the clinic.
func (c *Cluster) ClinicOccupants() []int {
	return c.inPhase(agent.OccupyingA)
}

func (c *Cluster) inPhase(p agent.Phase) []int {
	var ids []int
	for id, a := range c.agents {
		if a.Phase() == p {
			ids = append(ids, id)
		}
	}
	return ids
}

// ClinicLoad returns the sum of quantities held in the clinic.
func (c *Cluster) ClinicLoad() int {
	load := 0
	for _, a := range c.agents {
		if a.Phase() == agent.OccupyingA {
			load += a.Granted()
		}
	}
	return load
}
