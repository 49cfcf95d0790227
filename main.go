package main

import (
	"os"

	"github.com/xrelay/xrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
