package main

import (
	"github.com/relex/alsrelay/cmd"
	"github.com/relex/gotils/logger"
)

var version string

func main() {
	logger.Infof("version: %s", version)

	exitCode := cmd.Execute()

	logger.Exit(exitCode)
}
