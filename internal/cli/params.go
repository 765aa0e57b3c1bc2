package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"kexclusion/internal/config"
)

// requireLimits checks for the positional <K> <L>. Missing parameters print
// usage and exit with ExitCommandError.
func requireLimits(cmd *cobra.Command, args []string) (int, int, error) {
	if len(args) != 2 {
		_ = cmd.Usage()
		return 0, 0, NewExitError(ExitCommandError, "expected <K> <L>")
	}
	k, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, WrapExitError(ExitCommandError, fmt.Sprintf("invalid K %q", args[0]), err)
	}
	l, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, WrapExitError(ExitCommandError, fmt.Sprintf("invalid L %q", args[1]), err)
	}
	return k, l, nil
}

// loadConfig layers the cluster file, the launcher environment, the global
// flags and the positional <K> <L>, lowest precedence first.
func loadConfig(opts *RootOptions, k, l int, mode string, seed int64) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid environment", err)
	}

	if opts.TraceDB != "" {
		cfg.TraceDB = opts.TraceDB
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if seed != 0 {
		cfg.Seed = seed
	}
	cfg.Capacity = k
	cfg.Width = l
	return cfg, nil
}
