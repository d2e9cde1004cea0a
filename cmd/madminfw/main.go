package main

import (
	"os"

	"github.com/EdoardoFiore/madmin/cmd/madminfw/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
