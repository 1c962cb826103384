package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tanq16/gsmota/internal/ota"
	"github.com/tanq16/gsmota/internal/scheduler"
)

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	var once bool

	cmd := &cobra.Command{
		Use:   "watch [--interval 1h]",
		Short: "Periodically check for and install firmware updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			stack, err := ota.Build(ctx, appConfig)
			if err != nil {
				return err
			}
			defer stack.Close()
			return scheduler.Run(ctx, stack, scheduler.Options{Interval: interval, StopAfterInstall: once})
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Hour, "Time between checks")
	cmd.Flags().BoolVar(&once, "exit-after-install", false, "Exit after the first successful install")
	return cmd
}
