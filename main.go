package main

import (
	"os"

	"github.com/jasonacox/jojo/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
