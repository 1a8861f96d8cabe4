package main

import (
	"os"

	"github.com/armadaproject/taskscheduler/cmd/taskscheduler/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
