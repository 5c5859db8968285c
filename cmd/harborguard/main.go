package main

import (
	"os"

	"github.com/austindbirch/harborguard/cmd/harborguard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
