package main

import (
	"os"

	"github.com/lumino-labs/lumino-client/cmd/cli/node"
	_ "github.com/lumino-labs/lumino-client/pkg/logger"
)

func main() {
	if err := node.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
