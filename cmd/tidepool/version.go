package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the demo CLI's build version, stamped by release tooling;
// left as a literal default for local builds.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tidepool CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("tidepool version", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
