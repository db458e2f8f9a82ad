package main

import (
	"os"

	"github.com/oniwakaa/cubesync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
