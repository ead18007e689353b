package main

import (
	"os"

	"github.com/pivaldi/nearchat/cmd/nearchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
