package main

import (
	"os"

	"threadwatch/cmd/threadwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
