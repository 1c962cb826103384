package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/gsmota/internal/ota"
	"github.com/tanq16/gsmota/internal/output"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Ask the manifest server for a newer firmware",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			stack, err := ota.Build(ctx, appConfig)
			if err != nil {
				return err
			}
			defer stack.Close()
			desc, available, err := stack.CheckForUpdate(ctx)
			if err != nil {
				return err
			}
			if !available {
				output.PrintInfo(fmt.Sprintf("%s No update (running %s@%d, offered %s)", output.StyleSymbols["pass"],
					appConfig.Firmware.Type, appConfig.Firmware.Version, desc.Identity))
				return nil
			}
			output.PrintSuccess(fmt.Sprintf("%s Update available: %s at %s%s", output.StyleSymbols["arrow"],
				desc.Identity, desc.Address(), desc.Path))
			return nil
		},
	}
}
