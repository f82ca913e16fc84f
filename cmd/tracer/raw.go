package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kolkov/astracer/internal/collector"
	"github.com/kolkov/astracer/internal/tracechan"
)

func newRawCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "raw <pid>",
		Short: "Print raw trace values of a single-threaded process",
		Args:  pidArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			pid, _ := parsePID(args[0])
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ch, err := tracechan.AttachRaw(cfg.ShmDir, pid)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, ch.Close()) }()
			logger.Debug("attached", zap.Int("pid", pid), zap.String("dir", cfg.ShmDir))

			return collector.NewRaw(ch, cmd.OutOrStdout(), collectorConfig(cfg, pid, logger)).Run()
		},
	}
}
