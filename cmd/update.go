package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/gsmota/internal/ota"
	"github.com/tanq16/gsmota/internal/output"
)

func newUpdateCmd() *cobra.Command {
	var forceVersion bool

	cmd := &cobra.Command{
		Use:   "update [--force-version]",
		Short: "Check for a newer firmware and install it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			stack, err := ota.Build(ctx, appConfig, output.NewProgress())
			if err != nil {
				return err
			}
			defer stack.Close()
			res, installed, err := stack.CheckAndInstall(ctx, forceVersion)
			if err != nil {
				return err
			}
			if !installed {
				output.PrintInfo(fmt.Sprintf("%s Already up to date", output.StyleSymbols["pass"]))
				return nil
			}
			printResult(res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&forceVersion, "force-version", false, "Install the offered firmware even if it is not newer")
	return cmd
}
