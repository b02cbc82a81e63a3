package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "quorra",
		Short:   "Quorra intelligent query orchestrator",
		Long:    "Quorra routes user queries through a planner, a service gateway and a hybrid retriever, and runs multi-step deep-research workflows.",
		Version: version,
	}
	root.AddCommand(newServeCmd())
	return root
}
