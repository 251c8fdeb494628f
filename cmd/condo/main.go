package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/condo/pkg/log"
	"github.com/cuemby/condo/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "condo",
	Short: "condo - health-gated container deploys driven by Consul KV",
	Long: `condo watches a Consul key for a deployment descriptor and keeps one
container workload on this host in line with it.

A new version replaces the running one only after its health checks pass;
until then the last stable version keeps serving.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"condo version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)

	metrics.SetVersion(Version)
}

// initLogging applies the logging flags over the configured values
func initLogging(cmd *cobra.Command, level string, json bool) {
	if cmd.Flags().Changed("log-level") {
		level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		json, _ = cmd.Flags().GetBool("log-json")
	}
	log.Init(log.Config{
		Level:      log.ParseLevel(level),
		JSONOutput: json,
		Output:     os.Stderr,
	})
}
