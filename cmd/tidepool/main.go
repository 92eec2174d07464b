// Command tidepool is a smoke-test harness for the collection,
// transaction, and live-query engine: it wires a synthetic in-memory
// sync adapter to a demo collection, runs a live query over it, and
// prints the resulting change stream so the engine's behavior can be
// inspected from a terminal.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
