package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kolkov/astracer/internal/collector"
	"github.com/kolkov/astracer/internal/config"
	"github.com/kolkov/astracer/internal/decoder"
	"github.com/kolkov/astracer/internal/log"
	"github.com/kolkov/astracer/internal/shm"
	"github.com/kolkov/astracer/trace"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tracer",
		Short:         "Collect traces from instrumented programs",
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String(config.KeyShmDir, shm.DefaultDir, "directory holding trace channels")
	flags.Duration(config.KeyPoll, time.Second, "how long to wait for a buffer before checking that the process is alive")
	flags.Int(config.KeyCacheSize, decoder.DefaultCacheSize, "decoded lines kept in memory")
	flags.BoolP(config.KeyVerbose, "v", false, "debug logging")

	root.AddCommand(newRawCommand(), newCoalescedCommand(), newVersionCommand())
	return root
}

// setup loads settings and builds the logger once arguments are known to be
// valid. From here on a failure is not a usage error.
func setup(cmd *cobra.Command) (config.Tracer, *zap.Logger, error) {
	cfg, err := config.LoadTracer(cmd.Flags())
	if err != nil {
		return config.Tracer{}, nil, err
	}
	cmd.SilenceUsage = true

	logger, err := log.New(cfg.Verbose)
	if err != nil {
		return config.Tracer{}, nil, err
	}
	return cfg, logger, nil
}

func parsePID(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, errors.Errorf("invalid process id %q", s)
	}
	return pid, nil
}

// pidArgs validates that the first of n arguments is a process id.
func pidArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return err
		}
		_, err := parsePID(args[0])
		return err
	}
}

func collectorConfig(cfg config.Tracer, pid int, logger *zap.Logger) collector.Config {
	return collector.Config{
		Poll:   cfg.Poll,
		Probe:  collector.ProcessProbe(pid),
		Logger: logger.With(zap.Int("pid", pid)),
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and wire format information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := trace.GetInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "tracer version %s (raw %08x, coalesced %08x, decoder %s)\n",
				info.Version, info.RawTag, info.CoalescedTag, info.DecoderFormat)
		},
	}
}
