package main

import (
	"os"

	"github.com/c0deZ3R0/recordsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
