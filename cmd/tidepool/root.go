package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	cfgPath string

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "tidepool",
	Short: "tidepool - reactive in-memory collection store smoke harness",
	Long: `tidepool drives its collection/transaction/live-query engine from the
command line: seed a collection, mutate it, and watch a live query
stay in sync, without needing a real backend.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a tidepool config YAML file")
}
