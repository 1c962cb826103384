package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tanq16/gsmota/internal/ota"
	"github.com/tanq16/gsmota/internal/output"
)

func newForceCmd() *cobra.Command {
	var checksum string

	cmd := &cobra.Command{
		Use:   "force HOST PORT PATH [--checksum HEX]",
		Short: "Install the image at HOST:PORT/PATH without a version check",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[1])
			}
			ctx, cancel := signalContext()
			defer cancel()
			stack, err := ota.Build(ctx, appConfig, output.NewProgress())
			if err != nil {
				return err
			}
			defer stack.Close()
			res, err := stack.ForceUpdate(ctx, args[0], port, args[2], checksum)
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}

	cmd.Flags().StringVar(&checksum, "checksum", "", "Expected MD5 or SHA-256 hex digest of the image")
	return cmd
}
