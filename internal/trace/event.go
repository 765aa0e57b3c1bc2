package trace

import (
	"fmt"
	"io"
	"sync"
)

// Kind classifies a trace event.
type Kind string

const (
	KindDemand    Kind = "demand"
	KindReceive   Kind = "receive"
	KindSend      Kind = "send"
	KindDecide    Kind = "decide"
	KindEnter     Kind = "enter"
	KindRelease   Kind = "release"
	KindViolation Kind = "violation"
)

// Event is one processed protocol event at one peer.
type Event struct {
	Clock int64
	Peer  int
	Phase string
	Kind  Kind
	Text  string
}

// Line renders the event as "<clock> <peerId> : <description>".
func (e Event) Line() string {
	return fmt.Sprintf("%d %d : %s", e.Clock, e.Peer, e.Text)
}

// Sink receives trace events. Implementations must be safe for concurrent
// use; several engines may share one sink in a single process.
type Sink interface {
	Record(e Event)
}

// Writer writes one line per event to an io.Writer.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a line sink.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Record writes the event line. Write errors are ignored; the trace is a
// diagnostic stream.
func (s *Writer) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, e.Line())
}

// Memory keeps events in order, for tests and the simulator.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Record appends the event.
func (m *Memory) Record(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Lines returns the recorded events rendered as trace lines.
func (m *Memory) Lines() []string {
	events := m.Events()
	lines := make([]string, len(events))
	for i, e := range events {
		lines[i] = e.Line()
	}
	return lines
}

// Reset drops all recorded events.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// Multi fans an event out to several sinks.
type Multi []Sink

// Record forwards e to every sink.
func (m Multi) Record(e Event) {
	for _, s := range m {
		s.Record(e)
	}
}

// Discard drops every event.
type Discard struct{}

// Record does nothing.
func (Discard) Record(Event) {}
