// Package main is the entry point for the pbmcp gateway CLI.
package main

import (
	"os"

	"github.com/pbmcp/pbmcp/cmd/pbmcp/app"
	"github.com/pbmcp/pbmcp/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
