// Package main provides the coordinator binary entry point. The
// coordinator is the distributed-coordination layer underneath a
// desktop-automation agent: it decomposes a goal into dependent subtasks,
// schedules them into phases, dispatches them to worker pools over NATS,
// and aggregates the answers into one decision.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "coordinator"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Desktop-automation coordination core",
		Long: `The coordinator drives automation goals through decomposition,
dependency-aware scheduling, and phased dispatch to specialized worker
pools over NATS JetStream. Worker responses are correlated on a shared
results subject and aggregated into a single decision per subtask.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Execute one automation goal and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGoal(configPath, logLevel, args)
		},
	}
	cmd.AddCommand(runCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "plan <goal>",
		Short: "Decompose and schedule a goal without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPlan(configPath, logLevel, args)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}
