package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"kexclusion/internal/config"
	"kexclusion/internal/node"
	"kexclusion/internal/trace"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Mode string
	Seed int64
	// Run groups the trace rows of processes launched together. Defaults to
	// this process's session id.
	Run string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <K> <L>",
		Short: "Run one peer",
		Long: `Run one peer of the cluster until interrupted.

The launcher supplies this peer's id and the peer list through the
environment, one process per peer:

  KEXCLUSION_PEER_ID=0 KEXCLUSION_PEERS=0=127.0.0.1:7000,1=127.0.0.1:7001 \
    kexclusion run 2 1

K is the clinic capacity and L the number of peers admitted to the window
at once. Every processed protocol event is printed to stdout as
"<clock> <peer> : <description>".

Examples:
  kexclusion run 3 2 --config cluster.yaml
  kexclusion run 1 1 --mode single --trace-db trace.db`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", "", "kexclusion or single (default from config)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "demand driver seed (0 = time based)")
	cmd.Flags().StringVar(&opts.Run, "run", "", "trace run id shared by processes launched together")

	return cmd
}

func runPeer(opts *RunOptions, cmd *cobra.Command, args []string) error {
	k, l, err := requireLimits(cmd, args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.RootOptions, k, l, opts.Mode, opts.Seed)
	if err != nil {
		return err
	}
	if err := cfg.ValidateNetwork(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	session, err := uuid.NewV7()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create session id", err)
	}
	run := session
	if opts.Run != "" {
		if run, err = uuid.Parse(opts.Run); err != nil {
			return WrapExitError(ExitCommandError, "invalid run id", err)
		}
	}

	sinks := trace.Multi{trace.NewWriter(cmd.OutOrStdout())}
	if cfg.TraceDB != "" {
		st, err := trace.Open(cfg.TraceDB)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open trace store", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing trace store", "error", closeErr)
			}
		}()
		rec := st.Recorder(run)
		defer func() {
			if recErr := rec.Err(); recErr != nil {
				logger.Error("trace store write failed", "error", recErr)
			}
		}()
		sinks = append(sinks, rec)
		logger.Info("recording trace", "path", cfg.TraceDB, "run", run.String())
	}

	n, err := node.NewNode(cfg,
		node.WithLogger(logger),
		node.WithSink(sinks),
		node.WithSession(session),
	)
	if err != nil {
		if config.IsConfig(err) {
			return WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		return WrapExitError(ExitFailure, "failed to create node", err)
	}

	ctx, stop := signalContext(cmd.Context(), logger)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("peer %d failed", cfg.PeerID), err)
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM, or when parent is done.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
