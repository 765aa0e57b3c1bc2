package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerify_CleanTrace(t *testing.T) {
	events := []Event{
		{Clock: 1, Peer: 0, Kind: KindSend, Text: "window: broadcast B_REQUEST ts=1"},
		{Clock: 1, Peer: 1, Kind: KindSend, Text: "window: broadcast B_REQUEST ts=1"},
		{Clock: 3, Peer: 0, Kind: KindEnter, Text: "window: entered"},
		{Clock: 4, Peer: 0, Kind: KindRelease, Text: "window: released 1, notified [1]"},
		{Clock: 6, Peer: 1, Kind: KindEnter, Text: "window: entered"},
	}
	rep := Verify(events, 1)
	assert.True(t, rep.OK(), "issues: %v", rep.Issues)
	assert.Equal(t, 1, rep.MaxWindowHolders)
	assert.Len(t, rep.Peers, 2)
	assert.Equal(t, 3, rep.Peers[0].Events)
	assert.Equal(t, int64(4), rep.Peers[0].MaxClock)
	assert.Equal(t, 1, rep.Peers[1].ByKind[KindEnter])
}

func TestVerify_FindsIssues(t *testing.T) {
	events := []Event{
		{Clock: 5, Peer: 0, Kind: KindEnter, Text: "window: entered"},
		{Clock: 4, Peer: 0, Kind: KindReceive, Text: "received B_REQUEST ts=3 value=3 from 1"},
		{Clock: 6, Peer: 1, Kind: KindEnter, Text: "window: entered"},
	}
	rep := Verify(events, 1)
	assert.False(t, rep.OK())
	assert.Len(t, rep.Issues, 2)
	assert.Equal(t, 2, rep.MaxWindowHolders)

	rep = Verify(events, 0)
	assert.Len(t, rep.Issues, 1, "width 0 skips the window bound")
}
