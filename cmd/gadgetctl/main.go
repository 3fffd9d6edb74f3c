package main

import (
	"os"

	"github.com/blockberries/gadgetberry/cmd/gadgetctl/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
