package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"kexclusion/internal/agent"
	"kexclusion/internal/config"
	"kexclusion/internal/engine"
	"kexclusion/internal/trace"
	"kexclusion/internal/transport"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Peers    int
	Duration time.Duration
	MaxWait  time.Duration
	Mode     string
	Seed     int64
	Quiet    bool
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <K> <L>",
		Short: "Run a whole cluster in one process",
		Long: `Run N peers in one process over an in-memory transport for a fixed
duration, then check the trace for clock monotonicity and the window bound.

Every peer runs the same engine as "kexclusion run"; only the transport
differs.

Examples:
  kexclusion simulate 2 1 --peers 3 --duration 5s
  kexclusion simulate 3 2 --peers 5 --max-wait 50ms --quiet
  kexclusion simulate 1 1 --peers 4 --mode single --trace-db trace.db`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd, args)
		},
	}

	cmd.Flags().IntVarP(&opts.Peers, "peers", "n", 3, "number of peers")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 10*time.Second, "how long to run")
	cmd.Flags().DurationVar(&opts.MaxWait, "max-wait", 0, "override every timed phase's maximum delay")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "kexclusion or single (default from config)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "base seed; peer i uses seed+i (0 = time based)")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "do not print the trace")

	return cmd
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command, args []string) error {
	k, l, err := requireLimits(cmd, args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.RootOptions, k, l, opts.Mode, opts.Seed)
	if err != nil {
		return err
	}
	cfg.Size = opts.Peers
	if opts.MaxWait > 0 {
		cfg.Timing.DemandWait = opts.MaxWait
		cfg.Timing.ClinicStay = opts.MaxWait
		cfg.Timing.WindowStay = opts.MaxWait
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	mem := trace.NewMemory()
	sinks := trace.Multi{mem}
	if !opts.Quiet {
		sinks = append(sinks, trace.NewWriter(cmd.OutOrStdout()))
	}
	if cfg.TraceDB != "" {
		st, err := trace.Open(cfg.TraceDB)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open trace store", err)
		}
		defer st.Close()
		run, err := uuid.NewV7()
		if err != nil {
			return WrapExitError(ExitFailure, "failed to create run id", err)
		}
		rec := st.Recorder(run)
		defer func() {
			if recErr := rec.Err(); recErr != nil {
				logger.Error("trace store write failed", "error", recErr)
			}
		}()
		sinks = append(sinks, rec)
		logger.Info("recording trace", "path", cfg.TraceDB, "run", run.String())
	}

	parent, stop := signalContext(cmd.Context(), logger)
	defer stop()
	ctx, cancel := context.WithTimeout(parent, opts.Duration)
	defer cancel()

	stats, err := simulate(ctx, cfg, sinks, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "simulation failed", err)
	}

	rep := trace.Verify(mem.Events(), cfg.EffectiveWidth())
	writeSummary(cmd.ErrOrStderr(), stats, rep)
	if !rep.OK() {
		return NewExitError(ExitFailure, fmt.Sprintf("trace verification found %d issues", len(rep.Issues)))
	}
	return nil
}

// simulate runs cfg.N() engines on one in-memory network until ctx is done
// and returns each agent's counters.
func simulate(ctx context.Context, cfg config.Config, sink trace.Sink, logger *slog.Logger) ([]agent.Stats, error) {
	n := cfg.N()
	net := transport.NewNetwork(n)
	defer net.Close()

	agents := make([]*agent.Agent, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for id := 0; id < n; id++ {
		peerCfg := cfg
		peerCfg.PeerID = id
		agents[id] = agent.New(agent.Config{
			ID:         id,
			Peers:      n,
			Capacity:   max(cfg.Capacity, 1),
			Width:      cfg.EffectiveWidth(),
			SkipClinic: cfg.Mode == config.ModeSingle,
		}, agent.WithLogger(logger), agent.WithSink(sink))

		d := engine.NewDriver(engine.Timing{
			DemandWait: cfg.Timing.DemandWait,
			ClinicStay: cfg.Timing.ClinicStay,
			WindowStay: cfg.Timing.WindowStay,
			MaxDemand:  cfg.Timing.MaxDemand,
		}, peerCfg.SeedOrNow(), logger.With("peer", id))
		e := engine.New(agents[id], net.Endpoint(id), d, logger)

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			errs[id] = e.Run(ctx)
		}(id)
	}
	wg.Wait()

	stats := make([]agent.Stats, n)
	for id, a := range agents {
		stats[id] = a.Stats()
	}
	return stats, errors.Join(errs...)
}

func writeSummary(w io.Writer, stats []agent.Stats, rep trace.Report) {
	var total agent.Stats
	for id, s := range stats {
		fmt.Fprintf(w, "peer %d: clinic=%d window=%d received=%d sent=%d violations=%d (late %d)\n",
			id, s.ClinicEntries, s.WindowEntries, s.Received, s.Sent, s.Violations, s.LateGrants)
		total.ClinicEntries += s.ClinicEntries
		total.WindowEntries += s.WindowEntries
	}
	fmt.Fprintf(w, "total: clinic=%d window=%d max window holders=%d\n",
		total.ClinicEntries, total.WindowEntries, rep.MaxWindowHolders)
	for _, issue := range rep.Issues {
		fmt.Fprintf(w, "issue at event %d, peer %d: %s\n", issue.Index, issue.Peer, issue.Detail)
	}
}
