// Package cmd provides list of commands for the relay
package cmd

import (
	"github.com/relex/gotils/config"
)

var exitCode = 0

func init() {
	config.AddParentCmdWithArgs("", "Relay for Envoy access log service (ALS) streams to Kafka", nil, nil, nil)
	config.AddCmdWithArgs("serve", "Receive access logs from Envoy over gRPC and publish each message to Kafka", &serveCmd, serveCmd.Run)
	config.AddCmdWithArgs("send <path-to-files-or-dirs>...", "Stream access log messages from JSON-lines files to a relay, for manual testing", &sendCmd, sendCmd.Run)
	config.AddCmdWithArgs("encode <path-to-files-or-dirs>...", "Print payloads the relay would publish for messages in JSON-lines files", &encodeCmd, encodeCmd.Run)
}

// Execute parses command-line and executes the selected command, returns the process exit code
func Execute() int {
	config.Execute()
	return exitCode
}
