package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tanq16/gsmota/internal/engine"
	"github.com/tanq16/gsmota/internal/output"
	"github.com/tanq16/gsmota/internal/utils"
)

var (
	configPath string
	debug      bool
	sinkPath   string
	chunkSize  int64
	timeout    time.Duration
	appConfig  utils.Config
)

var GSMOTAVersion = "dev"

var rootCmd = &cobra.Command{
	Use:           "gsmota",
	Short:         "gsmota installs firmware updates over flaky links with resumable ranged downloads",
	Version:       GSMOTAVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		cfg, err := utils.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("sink") {
			cfg.Sink.Path = sinkPath
		}
		if cmd.Flags().Changed("chunk-size") {
			cfg.Download.ChunkSize = chunkSize
		}
		if cmd.Flags().Changed("timeout") {
			cfg.Download.Timeout = timeout
		}
		appConfig = cfg
		return cfg.Validate()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&sinkPath, "sink", "o", "", "Path the installed image is written to")
	rootCmd.PersistentFlags().Int64Var(&chunkSize, "chunk-size", utils.DefaultChunkSize, "Maximum bytes per ranged request")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", utils.DefaultClientTimeout, "Response timeout (eg. 30s, 2m)")

	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newUpdateCmd())
	rootCmd.AddCommand(newForceCmd())
	rootCmd.AddCommand(newWatchCmd())
}

// signalContext is cancelled on interrupt so a chunked transfer stops at the
// next chunk boundary.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printResult(res engine.Result) {
	output.PrintDetail(fmt.Sprintf("%s session %s: %s transfer, %d requests, %d connections",
		output.StyleSymbols["info"], res.SessionID, res.Strategy, res.Requests, res.Connections))
	if res.Digest != "" {
		output.PrintDetail(fmt.Sprintf("%s digest %s", output.StyleSymbols["info"], res.Digest))
	}
}
