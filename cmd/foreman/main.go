package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
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
	Use:   "foreman",
	Short: "Foreman - coordinator for serverless thunk execution",
	Long: `Foreman is the coordinator half of a distributed build engine. It
offloads content-addressed compute units (thunks) to ephemeral workers
launched on AWS Lambda, pushes each worker the blobs it is missing, and
collects the outputs back into a local content-addressed store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foreman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(coordinatorCmd)
}
