// Command quorra runs the query orchestration service: the HTTP facade,
// the actor-based orchestrator, the MCP-style service gateway, the
// hybrid retriever and the deep-research workflow.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
