package main

import (
	"os"

	"despatchflow/cmd/despatchctl/commands"
	"despatchflow/cmd/despatchctl/ui"
)

func main() {
	if err := commands.Execute(); err != nil {
		ui.Error("%v", err)
		os.Exit(1)
	}
}
