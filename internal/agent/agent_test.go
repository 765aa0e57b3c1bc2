package agent

import (
	"testing"

	"kexclusion/internal/trace"
	"kexclusion/internal/wire"
)

// bus delivers messages in one global FIFO, which preserves pair order.
type bus struct {
	t      *testing.T
	agents []*Agent
	queue  []wire.Outbound
	timers map[int]Phase
}

func newBus(t *testing.T, cfg Config, n int) *bus {
	b := &bus{t: t, timers: make(map[int]Phase)}
	for i := 0; i < n; i++ {
		c := cfg
		c.ID = i
		c.Peers = n
		a := New(c)
		b.agents = append(b.agents, a)
		b.apply(i, a.Start())
	}
	return b
}

func (b *bus) apply(id int, s Step) {
	b.queue = append(b.queue, s.Out...)
	if s.Timer != nil {
		b.timers[id] = s.Timer.Phase
	}
}

func (b *bus) wake(id, demand int) {
	b.t.Helper()
	phase, ok := b.timers[id]
	if !ok {
		b.t.Fatalf("No timer armed for %d", id)
	}
	delete(b.timers, id)
	s, err := b.agents[id].Wake(Wake{Phase: phase, Demand: demand})
	if err != nil {
		b.t.Fatalf("Wake(%d) error = %v", id, err)
	}
	b.apply(id, s)
}

func (b *bus) settle() {
	b.t.Helper()
	for len(b.queue) > 0 {
		o := b.queue[0]
		b.queue = b.queue[1:]
		s, err := b.agents[o.To].Handle(o.Msg)
		if err != nil {
			b.t.Fatalf("Handle error = %v", err)
		}
		b.apply(o.To, s)
	}
}

func TestPhase_String(t *testing.T) {
	if OccupyingB.String() != "at-window" {
		t.Errorf("Expected at-window, got %s", OccupyingB)
	}
	if Phase(42).String() != "phase(42)" {
		t.Errorf("Unexpected name %s", Phase(42))
	}
	if !AwaitingDemand.Timed() || RequestingA.Timed() {
		t.Error("Unexpected timed phases")
	}
}

func TestAgent_SolitaryCycle(t *testing.T) {
	sink := trace.NewMemory()
	a := New(Config{ID: 0, Peers: 1, Capacity: 2, Width: 1}, WithSink(sink))

	s := a.Start()
	if s.Timer == nil || s.Timer.Phase != AwaitingDemand {
		t.Fatalf("Expected AwaitingDemand timer, got %+v", s.Timer)
	}

	steps := []struct {
		wake     Wake
		phase    Phase
		granted  int
		pending  int
		timerFor Phase
	}{
		{Wake{Phase: AwaitingDemand, Demand: 3}, OccupyingA, 2, 3, OccupyingA},
		{Wake{Phase: OccupyingA}, OccupyingA, 1, 1, OccupyingA},
		{Wake{Phase: OccupyingA}, OccupyingB, 0, 0, OccupyingB},
		{Wake{Phase: OccupyingB}, AwaitingDemand, 0, 0, AwaitingDemand},
	}
	for i, st := range steps {
		s, err := a.Wake(st.wake)
		if err != nil {
			t.Fatalf("step %d: Wake error = %v", i, err)
		}
		if a.Phase() != st.phase {
			t.Fatalf("step %d: expected phase %s, got %s", i, st.phase, a.Phase())
		}
		if a.Granted() != st.granted || a.Pending() != st.pending {
			t.Errorf("step %d: expected granted=%d pending=%d, got %d %d", i, st.granted, st.pending, a.Granted(), a.Pending())
		}
		if s.Timer == nil || s.Timer.Phase != st.timerFor {
			t.Errorf("step %d: expected timer for %s, got %+v", i, st.timerFor, s.Timer)
		}
		if len(s.Out) != 0 {
			t.Errorf("step %d: solitary peer sent %v", i, s.Out)
		}
	}

	stats := a.Stats()
	if stats.ClinicEntries != 2 || stats.WindowEntries != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	var prev int64
	for _, e := range sink.Events() {
		if e.Clock < prev {
			t.Errorf("Clock went backwards in trace: %s", e.Line())
		}
		prev = e.Clock
	}
}

func TestAgent_ZeroDemandSkipsClinic(t *testing.T) {
	a := New(Config{ID: 0, Peers: 1, Capacity: 2, Width: 1})
	a.Start()
	if _, err := a.Wake(Wake{Phase: AwaitingDemand, Demand: 0}); err != nil {
		t.Fatalf("Wake error = %v", err)
	}
	if a.Phase() != OccupyingB {
		t.Errorf("Expected OccupyingB, got %s", a.Phase())
	}
	if a.Stats().ClinicEntries != 0 {
		t.Error("Clinic should be skipped")
	}
}

func TestAgent_SkipClinic(t *testing.T) {
	a := New(Config{ID: 0, Peers: 1, Capacity: 2, Width: 1, SkipClinic: true})
	a.Start()
	if _, err := a.Wake(Wake{Phase: AwaitingDemand, Demand: 9}); err != nil {
		t.Fatalf("Wake error = %v", err)
	}
	if a.Phase() != OccupyingB {
		t.Errorf("Expected OccupyingB, got %s", a.Phase())
	}
}

func TestAgent_StaleWakeIgnored(t *testing.T) {
	a := New(Config{ID: 0, Peers: 2, Capacity: 1, Width: 1})
	a.Start()
	s, err := a.Wake(Wake{Phase: OccupyingB})
	if err != nil {
		t.Fatalf("Wake error = %v", err)
	}
	if len(s.Out) != 0 || s.Timer != nil || a.Phase() != AwaitingDemand {
		t.Errorf("Stale wake should be ignored, got %+v in %s", s, a.Phase())
	}
}

func TestAgent_DropsBadSenders(t *testing.T) {
	a := New(Config{ID: 1, Peers: 3, Capacity: 1, Width: 1})
	bad := []wire.Message{
		{Tag: wire.ClinicRequest, Sender: 1, Timestamp: 3, Value: 1},
		{Tag: wire.ClinicRequest, Sender: 7, Timestamp: 3, Value: 1},
		{Tag: wire.Loopback, Sender: 0, Timestamp: 3},
	}
	for _, m := range bad {
		s, err := a.Handle(m)
		if err != nil || len(s.Out) != 0 {
			t.Errorf("Expected %v to be dropped, got %+v %v", m, s, err)
		}
	}
	if a.Stats().Dropped != len(bad) {
		t.Errorf("Expected %d dropped, got %d", len(bad), a.Stats().Dropped)
	}
	if a.Clock().Now() != 0 {
		t.Error("Dropped messages must not advance the clock")
	}
}

func TestAgent_HandleObservesClock(t *testing.T) {
	a := New(Config{ID: 0, Peers: 2, Capacity: 1, Width: 1})
	s, err := a.Handle(wire.Message{Tag: wire.WindowRequest, Sender: 1, Timestamp: 10, Value: 10})
	if err != nil {
		t.Fatalf("Handle error = %v", err)
	}
	if len(s.Out) != 1 || s.Out[0].Msg.Timestamp != 12 || s.Out[0].Msg.Value != 10 {
		t.Errorf("Expected consent at ts 12 echoing 10, got %v", s.Out)
	}
}

func TestAgent_ContendedClinic(t *testing.T) {
	b := newBus(t, Config{Capacity: 1, Width: 1}, 2)

	b.wake(0, 1)
	b.wake(1, 1)
	b.settle()

	if b.agents[0].Phase() != OccupyingA {
		t.Fatalf("Expected peer 0 in clinic, got %s", b.agents[0].Phase())
	}
	if b.agents[1].Phase() != RequestingA {
		t.Fatalf("Expected peer 1 waiting, got %s", b.agents[1].Phase())
	}
	if b.agents[0].Stats().LateGrants != 1 {
		t.Errorf("Expected the loser's consent to arrive late, got %+v", b.agents[0].Stats())
	}

	b.wake(0, 0)
	b.settle()

	if b.agents[1].Phase() != OccupyingA {
		t.Errorf("Expected peer 1 in clinic after release, got %s", b.agents[1].Phase())
	}
	if b.agents[0].Phase() != OccupyingB {
		t.Errorf("Expected peer 0 at window, got %s", b.agents[0].Phase())
	}
	if len(b.agents[1].Clinic().Occupancy()) != 1 {
		t.Errorf("Expected peer 1 view to hold only itself, got %v", b.agents[1].Clinic().Occupancy())
	}
}

func TestAgent_WindowExclusion(t *testing.T) {
	b := newBus(t, Config{Capacity: 1, Width: 1}, 3)
	for id := range b.agents {
		b.wake(id, 0)
	}
	b.settle()

	holders := 0
	for _, a := range b.agents {
		if a.Phase() == OccupyingB {
			holders++
		}
	}
	if holders != 1 {
		t.Fatalf("Expected exactly one window holder, got %d", holders)
	}
	if b.agents[0].Phase() != OccupyingB {
		t.Errorf("Expected peer 0 to win the tie, got %s", b.agents[0].Phase())
	}

	b.wake(0, 0)
	b.settle()
	if b.agents[1].Phase() != OccupyingB || b.agents[2].Phase() != RequestingB {
		t.Errorf("Expected peer 1 next, got %s and %s", b.agents[1].Phase(), b.agents[2].Phase())
	}
}
