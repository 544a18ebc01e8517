package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quorum-oracle",
	Short: "Threshold-signed price oracle",
	Long: `quorum-oracle runs a price oracle that accepts rounds co-signed by an
authorized reporter set, verifies them against quorum, staleness and
deviation bounds, and serves the accepted prices over NATS and HTTP.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
