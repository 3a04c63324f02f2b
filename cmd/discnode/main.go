package main

import (
	"os"

	"github.com/bauerj/nim-eth/cmd/discnode/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
