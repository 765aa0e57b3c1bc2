package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Config  string // optional YAML cluster file
	TraceDB string // optional SQLite trace store

	// LookupEnv reads the launcher environment. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// NewRootCommand creates the root command for the kexclusion CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{LookupEnv: os.LookupEnv}

	cmd := &cobra.Command{
		Use:   "kexclusion",
		Short: "Leaderless k-exclusion over Lamport clocks",
		Long: `Peers contend for two shared resources without a central arbiter:
a clinic of capacity K and a window admitting at most L holders at once.
Admission uses Ricart-Agrawala style request/agree quorums ordered by
Lamport timestamps.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to YAML cluster file")
	cmd.PersistentFlags().StringVar(&opts.TraceDB, "trace-db", "", "path to SQLite trace store")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))

	return cmd
}

// newLogger builds the diagnostic logger. The protocol trace never goes
// through it.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
