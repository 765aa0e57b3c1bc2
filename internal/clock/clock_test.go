package clock

import (
	"testing"
)

func TestLamport_Tick(t *testing.T) {
	l := New()
	if got := l.Tick(); got != 1 {
		t.Errorf("Expected 1 after first tick, got %d", got)
	}
	if got := l.Tick(); got != 2 {
		t.Errorf("Expected 2 after second tick, got %d", got)
	}
	if l.Now() != 2 {
		t.Errorf("Expected Now()=2, got %d", l.Now())
	}
}

func TestLamport_Observe(t *testing.T) {
	tests := []struct {
		name     string
		start    int64
		remote   int64
		expected int64
	}{
		{
			name:     "remote ahead",
			start:    3,
			remote:   7,
			expected: 8,
		},
		{
			name:     "remote behind",
			start:    9,
			remote:   2,
			expected: 10,
		},
		{
			name:     "remote equal",
			start:    5,
			remote:   5,
			expected: 6,
		},
		{
			name:     "loopback sentinel",
			start:    4,
			remote:   -1,
			expected: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewAt(tt.start)
			result := l.Observe(tt.remote)
			if result != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, result)
			}
			if l.Now() != tt.expected {
				t.Errorf("Expected Now()=%d, got %d", tt.expected, l.Now())
			}
		})
	}
}

func TestLamport_NewAt_Negative(t *testing.T) {
	l := NewAt(-5)
	if l.Now() != 0 {
		t.Errorf("Expected negative start to clamp to 0, got %d", l.Now())
	}
}

func TestStamp_Before(t *testing.T) {
	tests := []struct {
		name     string
		a        Stamp
		b        Stamp
		expected bool
	}{
		{
			name:     "lower timestamp wins",
			a:        Stamp{Timestamp: 3, ID: 2},
			b:        Stamp{Timestamp: 4, ID: 0},
			expected: true,
		},
		{
			name:     "higher timestamp loses",
			a:        Stamp{Timestamp: 5, ID: 0},
			b:        Stamp{Timestamp: 4, ID: 9},
			expected: false,
		},
		{
			name:     "tie broken by lower id",
			a:        Stamp{Timestamp: 5, ID: 0},
			b:        Stamp{Timestamp: 5, ID: 1},
			expected: true,
		},
		{
			name:     "tie lost by higher id",
			a:        Stamp{Timestamp: 5, ID: 1},
			b:        Stamp{Timestamp: 5, ID: 0},
			expected: false,
		},
		{
			name:     "identical stamps",
			a:        Stamp{Timestamp: 5, ID: 1},
			b:        Stamp{Timestamp: 5, ID: 1},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.a.Before(tt.b)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestStamp_String(t *testing.T) {
	s := Stamp{Timestamp: 12, ID: 3}
	if s.String() != "(12,3)" {
		t.Errorf("Expected (12,3), got %s", s.String())
	}
}
