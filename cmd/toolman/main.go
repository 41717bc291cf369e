// Command toolman runs the aggregating MCP proxy described in spec.md: it
// loads a backend configuration document, starts every backend
// concurrently, and serves the unified JSON-RPC/HTTP endpoint.
package main

import (
	"os"

	"github.com/5dlabs/toolman/cmd/toolman/app"
	"github.com/5dlabs/toolman/pkg/logger"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Errorf("toolman exited with error: %v", err)
		os.Exit(1)
	}
}
