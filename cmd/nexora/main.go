package main

import (
	"os"

	"github.com/nexora/kit/cmd/nexora/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
