package main

import (
	"os"

	"github.com/networkupstools/nutmon/cmd/upsmon/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
