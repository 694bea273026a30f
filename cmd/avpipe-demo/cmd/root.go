// Package cmd implements the avpipe-demo CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/podfirst/node-av-go/internal/version"
	"github.com/podfirst/node-av-go/internal/xlog"
)

var rootCmd = &cobra.Command{
	Use:     "avpipe-demo",
	Short:   "Run a demux/decode/filter/encode/mux pipeline from the command line",
	Version: version.Short(),
	Long: `avpipe-demo assembles a pipeline from flags and runs it to completion:

  avpipe-demo run --input in.mp4 --output out.mp4

copies every stream; adding --video-encoder/--audio-encoder switches the
matching stream to transcode instead. While running, avpipe-demo serves
/healthz and /debug/pipeline on --debug-addr for external monitoring.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	logger := xlog.New(xlog.Config{Level: level, Format: xlog.Format(strings.ToLower(format))})
	slog.SetDefault(logger)
	return logger
}
