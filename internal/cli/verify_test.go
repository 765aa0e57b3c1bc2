package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kexclusion/internal/trace"
)

// seedStore records events under one new run and returns the run id.
func seedStore(t *testing.T, path string, events ...trace.Event) string {
	t.Helper()
	st, err := trace.Open(path)
	require.NoError(t, err)
	defer st.Close()

	run := uuid.Must(uuid.NewV7())
	for _, e := range events {
		require.NoError(t, st.Write(context.Background(), run, e))
	}
	return run.String()
}

func TestVerify_MissingTraceDB(t *testing.T) {
	_, _, err := execute(NewVerifyCommand(&RootOptions{}))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestVerify_EmptyStore(t *testing.T) {
	db := filepath.Join(t.TempDir(), "trace.db")
	seedStore(t, db)

	_, _, err := execute(NewVerifyCommand(&RootOptions{TraceDB: db}))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no runs")
}

func TestVerify_RunNotFound(t *testing.T) {
	db := filepath.Join(t.TempDir(), "trace.db")
	seedStore(t, db, trace.Event{Clock: 0, Peer: 0, Kind: trace.KindDemand, Text: "waiting for demand"})

	_, _, err := execute(NewVerifyCommand(&RootOptions{TraceDB: db}), "--run", uuid.NewString())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "run not found")
}

func TestVerify_ReportsIssues(t *testing.T) {
	db := filepath.Join(t.TempDir(), "trace.db")
	good := seedStore(t, db,
		trace.Event{Clock: 1, Peer: 0, Kind: trace.KindEnter, Text: "window: entered"},
		trace.Event{Clock: 2, Peer: 0, Kind: trace.KindRelease, Text: "window: released 1, notified [1]"},
		trace.Event{Clock: 3, Peer: 1, Kind: trace.KindEnter, Text: "window: entered"},
	)
	bad := seedStore(t, db,
		trace.Event{Clock: 4, Peer: 0, Kind: trace.KindEnter, Text: "window: entered"},
		trace.Event{Clock: 3, Peer: 0, Kind: trace.KindDemand, Text: "new demand 1"},
		trace.Event{Clock: 5, Peer: 1, Kind: trace.KindEnter, Text: "window: entered"},
	)

	out, _, err := execute(NewVerifyCommand(&RootOptions{TraceDB: db}), "--run", good, "--width", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "run "+good+": 3 events from 2 peers, max window holders 1")
	assert.Contains(t, out, "peer 0: 2 events, max clock 2 enter=1 release=1")

	out, _, err = execute(NewVerifyCommand(&RootOptions{TraceDB: db}), "--width", "1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "2 issues found")
	assert.Contains(t, out, "run "+bad)
	assert.Contains(t, out, "clock went from 4 to 3")
	assert.Contains(t, out, "2 window holders exceed width 1")
}
