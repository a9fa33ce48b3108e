package main

import (
	"os"

	"smartsession/cmd/smartsession/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
