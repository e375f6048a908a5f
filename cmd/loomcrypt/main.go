package main

import (
	"os"

	"loomcrypt/cmd/loomcrypt/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
