package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"kexclusion/internal/agent"
)

// ErrArmed is returned when a timer is armed while another is pending.
var ErrArmed = errors.New("engine: timer already armed")

// Timing bounds the random delays of timed phases. Each delay is drawn
// uniformly from [0, max).
type Timing struct {
	DemandWait time.Duration
	ClinicStay time.Duration
	WindowStay time.Duration
	// MaxDemand bounds the demand drawn on each AwaitingDemand wake.
	MaxDemand int
}

// DefaultTiming returns the default delays.
func DefaultTiming() Timing {
	return Timing{
		DemandWait: 2 * time.Second,
		ClinicStay: 2 * time.Second,
		WindowStay: 2 * time.Second,
		MaxDemand:  20,
	}
}

// Driver is the demand driver. It stands in for the arrival of external
// work and for the time spent inside a resource.
type Driver struct {
	timing Timing
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	arms  chan agent.Timer
	wakes chan agent.Wake
}

// NewDriver creates a driver. The seed makes delays and demand
// reproducible.
func NewDriver(timing Timing, seed int64, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		timing: timing,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
		arms:   make(chan agent.Timer, 1),
		wakes:  make(chan agent.Wake),
	}
}

// Arm schedules one wake for t. It never blocks.
func (d *Driver) Arm(t agent.Timer) error {
	select {
	case d.arms <- t:
		return nil
	default:
		return ErrArmed
	}
}

// Wakes returns the wake channel.
func (d *Driver) Wakes() <-chan agent.Wake {
	return d.wakes
}

// Run serves armed timers until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	for {
		var t agent.Timer
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t = <-d.arms:
		}

		delay := d.Delay(t.Phase)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		w := agent.Wake{Phase: t.Phase}
		if t.Phase == agent.AwaitingDemand {
			w.Demand = d.Demand()
		}
		d.logger.Debug("wake", "phase", t.Phase.String(), "after", delay, "demand", w.Demand)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case d.wakes <- w:
		}
	}
}

// Delay draws the sleep for phase.
func (d *Driver) Delay(phase agent.Phase) time.Duration {
	var limit time.Duration
	switch phase {
	case agent.AwaitingDemand:
		limit = d.timing.DemandWait
	case agent.OccupyingA:
		limit = d.timing.ClinicStay
	case agent.OccupyingB:
		limit = d.timing.WindowStay
	}
	if limit <= 0 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Duration(d.rng.Int63n(int64(limit)))
}

// Demand draws a demand in [0, MaxDemand).
func (d *Driver) Demand() int {
	if d.timing.MaxDemand <= 0 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Intn(d.timing.MaxDemand)
}
