package trace

import (
	"fmt"
	"sort"
	"strings"
)

// PeerSummary counts one peer's events.
type PeerSummary struct {
	Peer     int
	Events   int
	MaxClock int64
	ByKind   map[Kind]int
}

// Issue is a property a trace violates.
type Issue struct {
	Index  int
	Peer   int
	Detail string
}

// Report is the result of Verify.
type Report struct {
	Peers            []PeerSummary
	Issues           []Issue
	MaxWindowHolders int
}

// OK returns true when no issue was found.
func (r Report) OK() bool {
	return len(r.Issues) == 0
}

// Verify checks that every peer's clock never decreases across its events
// and, when width is positive, that no more than width peers are at the
// window at once.
func Verify(events []Event, width int) Report {
	byPeer := map[int]*PeerSummary{}
	holders := map[int]bool{}
	var rep Report

	for i, e := range events {
		ps, ok := byPeer[e.Peer]
		if !ok {
			ps = &PeerSummary{Peer: e.Peer, ByKind: map[Kind]int{}, MaxClock: e.Clock}
			byPeer[e.Peer] = ps
		}
		if e.Clock < ps.MaxClock {
			rep.Issues = append(rep.Issues, Issue{
				Index:  i,
				Peer:   e.Peer,
				Detail: fmt.Sprintf("clock went from %d to %d", ps.MaxClock, e.Clock),
			})
		}
		ps.MaxClock = max(ps.MaxClock, e.Clock)
		ps.Events++
		ps.ByKind[e.Kind]++

		if !strings.HasPrefix(e.Text, "window:") {
			continue
		}
		switch e.Kind {
		case KindEnter:
			holders[e.Peer] = true
			rep.MaxWindowHolders = max(rep.MaxWindowHolders, len(holders))
			if width > 0 && len(holders) > width {
				rep.Issues = append(rep.Issues, Issue{
					Index:  i,
					Peer:   e.Peer,
					Detail: fmt.Sprintf("%d window holders exceed width %d", len(holders), width),
				})
			}
		case KindRelease:
			delete(holders, e.Peer)
		}
	}

	for _, ps := range byPeer {
		rep.Peers = append(rep.Peers, *ps)
	}
	sort.Slice(rep.Peers, func(i, j int) bool { return rep.Peers[i].Peer < rep.Peers[j].Peer })
	return rep
}
