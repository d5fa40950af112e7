package main

import (
	"os"

	"github.com/opd-ai/dmcore/cmd/dmchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
