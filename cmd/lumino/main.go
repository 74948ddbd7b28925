package main

import (
	"os"

	"github.com/lumino-labs/lumino-client/cmd/cli/user"
	_ "github.com/lumino-labs/lumino-client/pkg/logger"
)

func main() {
	if err := user.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
