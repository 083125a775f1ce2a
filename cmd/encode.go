package cmd

import (
	"os"
	"strings"

	"github.com/relex/alsrelay/dump"
	"github.com/relex/alsrelay/payload"
	"github.com/relex/gotils/logger"
)

type encodeCmdState struct {
	PayloadFormat string `help:"Format of payloads: json, json-pretty or msgpack (printed in hex)"`
	Keys          string `help:"Comma-separated key paths like http_logs/log_entry/0/request/path, to print as TSV instead of payloads"`
}

var encodeCmd = encodeCmdState{
	PayloadFormat: string(payload.FormatJSON),
	Keys:          "",
}

func (cmd *encodeCmdState) Run(args []string) {
	if len(args) < 1 {
		logger.Fatal("requires at least one file or directory")
	}
	format, err := payload.ParseFormat(cmd.PayloadFormat)
	if err != nil {
		logger.Fatal(err)
	}

	options := dump.Options{Format: format, Keys: splitKeys(cmd.Keys)}
	failures, err := dump.PrintFileOrDirectories(args, options, os.Stdout)
	if err != nil {
		logger.Fatal(err)
	}
	if failures > 0 {
		logger.Warnf("%d messages could not be encoded", failures)
		exitCode = 1
	}
}

func splitKeys(keys string) []string {
	var keyList []string
	for _, key := range strings.Split(keys, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keyList = append(keyList, key)
		}
	}
	return keyList
}
