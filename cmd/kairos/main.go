package main

import (
	"os"

	"github.com/kairoshq/kairos/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
