// Command shardhub runs one of the three shardhub roles: brain, server, or
// a single cluster-worker, the last always launched by a server re-exec'ing
// this same binary (spec §9's fork-and-exec-with-a-distinct-subcommand
// design), never invoked directly by an operator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "shardhub",
		Short: "Distributed supervision and IPC fabric for sharded worker fleets",
	}

	root.AddCommand(newBrainCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newClusterWorkerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
