package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kolkov/astracer/internal/collector"
	"github.com/kolkov/astracer/internal/decoder"
	"github.com/kolkov/astracer/internal/tracechan"
)

func newCoalescedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "coalesced <pid> <decoder>",
		Short: "Print decoded source lines of a multi-threaded process",
		Args:  pidArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			pid, _ := parsePID(args[0])
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			dec, err := decoder.Open(args[1], cfg.CacheSize)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, dec.Close()) }()

			ch, err := tracechan.AttachCoalesced(cfg.ShmDir, pid)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, ch.Close()) }()
			logger.Debug("attached",
				zap.Int("pid", pid),
				zap.String("dir", cfg.ShmDir),
				zap.String("decoder", args[1]))

			return collector.NewCoalesced(ch, dec, cmd.OutOrStdout(), collectorConfig(cfg, pid, logger)).Run()
		},
	}
}
