package main

import (
	"os"

	"notary-mpc/cmd/notary/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
