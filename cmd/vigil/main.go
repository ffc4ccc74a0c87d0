// vigil is the quality-pipeline CLI: assess artifacts, run the acceptance
// gates, watch the renderer stream, synthesize corrections, and serve the
// pipeline over MCP.
//
// Usage:
//
//	vigil assess <artifact>...
//	vigil gates -f <unit.yaml> [--mode=sequential|parallel]
//	vigil monitor
//	vigil correct --id <artifact-id> --artifact <path> --params <graph.json>
//	vigil serve
//	vigil status [--prompt-id <id>]
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
