package main

import (
	"os"

	"github.com/Sternrassler/streamcache/cmd/streamcache/commands"
)

func main() {
	root := commands.NewRootCmd()
	if err := root.Execute(); err != nil {
		root.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
