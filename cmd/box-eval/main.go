// Package main provides the box-eval binary: COCO-style detection metrics
// with single-process, multi-worker and distributed gather modes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "box-eval",
		Short: "box-eval - distributed detection-metric aggregation",
		Long: `box-eval computes COCO-style average-precision metrics for object
detection results, with distributed accumulation across worker processes.

Run 'box-eval evaluate' for a one-shot evaluation of a detections file.
Run 'box-eval worker' to evaluate one rank's partition of a distributed run.
Run 'box-eval serve' to start the HTTP evaluation server.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		evaluateCmd(),
		workerCmd(),
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("box-eval %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}
