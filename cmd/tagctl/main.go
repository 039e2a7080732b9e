package main

import (
	"os"

	"utag/go-tag-server/cmd/tagctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
