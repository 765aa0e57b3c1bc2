package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"kexclusion/internal/trace"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Run   string // optional - verify only this run
	Width int    // window bound to check; 0 skips it
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a recorded trace",
		Long: `Check the runs recorded in a trace store.

For every run, each peer's clock must never decrease across its events.
With --width, no more than that many peers may be at the window at once.
Per-peer event counts are printed.

Examples:
  kexclusion verify --trace-db trace.db
  kexclusion verify --trace-db trace.db --run 0190c4e2-... --width 2`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Run, "run", "", "run id to verify (default all)")
	cmd.Flags().IntVar(&opts.Width, "width", 0, "window width L to check")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	if opts.TraceDB == "" {
		return NewExitError(ExitCommandError, "--trace-db is required")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := trace.Open(opts.TraceDB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open trace store", err)
	}
	defer st.Close()

	runs, err := st.Runs(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	if opts.Run != "" {
		var selected []trace.Run
		for _, r := range runs {
			if r.ID == opts.Run {
				selected = append(selected, r)
			}
		}
		if len(selected) == 0 {
			return NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", opts.Run))
		}
		runs = selected
	}
	if len(runs) == 0 {
		return NewExitError(ExitCommandError, "trace store has no runs")
	}

	out := cmd.OutOrStdout()
	issues := 0
	for _, r := range runs {
		events, err := st.Events(ctx, r.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read run", err)
		}
		rep := trace.Verify(events, opts.Width)
		writeReport(out, r, rep)
		issues += len(rep.Issues)
	}

	if issues > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d issues found", issues))
	}
	fmt.Fprintln(out, "OK")
	return nil
}

func writeReport(w io.Writer, r trace.Run, rep trace.Report) {
	fmt.Fprintf(w, "run %s: %d events from %d peers, max window holders %d\n",
		r.ID, r.Events, r.Peers, rep.MaxWindowHolders)
	for _, ps := range rep.Peers {
		kinds := make([]string, 0, len(ps.ByKind))
		for k := range ps.ByKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		fmt.Fprintf(w, "  peer %d: %d events, max clock %d", ps.Peer, ps.Events, ps.MaxClock)
		for _, k := range kinds {
			fmt.Fprintf(w, " %s=%d", k, ps.ByKind[trace.Kind(k)])
		}
		fmt.Fprintln(w)
	}
	for _, issue := range rep.Issues {
		fmt.Fprintf(w, "  issue at event %d, peer %d: %s\n", issue.Index, issue.Peer, issue.Detail)
	}
}
