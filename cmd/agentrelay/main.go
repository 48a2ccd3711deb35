package main

import (
	"os"

	"github.com/charmbracelet/log"

	"github.com/lkarlslund/agentrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error("agentrelay failed", "err", err)
		os.Exit(1)
	}
}
