// Package dump renders access log record files the same way the relay encodes them
//
// For testing and debugging only, no performance critical.
package dump

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	accesslogv3 "github.com/envoyproxy/go-control-plane/envoy/service/accesslog/v3"
	"github.com/relex/alsrelay/payload"
	"github.com/relex/gotils/logger"
	"github.com/valyala/fastjson"
)

// MissingValue is printed for key paths not present in a record
const MissingValue = "-"

// Options controls what is printed for each record
type Options struct {
	Format payload.Format // payload format to print, msgpack is printed in hex
	Keys   []string       // key paths like "http_logs/log_entry/0/request/path"; if set, print their values as TSV instead of payloads
}

// PrintFileOrDirectories prints records from a list of files or directories of files (no nesting)
//
// Returns the number of records which could not be printed
func PrintFileOrDirectories(pathList []string, options Options, writer io.Writer) (int, error) {
	bufWriter := bufio.NewWriterSize(writer, 1048576)
	defer bufWriter.Flush()

	failures := 0
	for _, path := range ListFileOrDirectories(pathList) {
		num, err := PrintRecordFile(path, options, bufWriter)
		if err != nil {
			return failures, err
		}
		failures += num
	}
	return failures, bufWriter.Flush()
}

// PrintRecordFile prints all records in the given JSON-lines file, one line per record
//
// Records which cannot be encoded are logged and skipped; the number of them is returned
func PrintRecordFile(path string, options Options, writer io.Writer) (int, error) {
	records, err := ReadRecordFile(path)
	if err != nil {
		logger.Errorf("failed to load %s: %v", path, err)
		return 0, nil
	}
	logger.Debug("loaded ", len(records), " records from ", path)

	format := options.Format
	if len(options.Keys) > 0 {
		format = payload.FormatJSON
	}
	encoder, err := payload.NewEncoder(format)
	if err != nil {
		return 0, err
	}

	failures := 0
	for i, record := range records {
		line, err := renderRecord(encoder, record, options)
		if err != nil {
			logger.Warnf("%s: record #%d: %v", path, i+1, err)
			failures++
			continue
		}
		if _, err := writer.Write(line); err != nil {
			return failures, fmt.Errorf("failed to print record: %w", err)
		}
		if _, err := writer.Write([]byte{'\n'}); err != nil {
			return failures, fmt.Errorf("failed to print newline: %w", err)
		}
	}
	return failures, nil
}

func renderRecord(encoder payload.Encoder, record *accesslogv3.StreamAccessLogsMessage, options Options) ([]byte, error) {
	bin, err := encoder.Encode(record)
	if err != nil {
		return nil, err
	}
	if len(options.Keys) > 0 {
		return ExtractKeys(bin, options.Keys)
	}
	if options.Format == payload.FormatMsgpack {
		return []byte(hex.EncodeToString(bin)), nil
	}
	return bin, nil
}

// ExtractKeys picks values by slash-separated key paths from a JSON payload and joins them by tab
//
// Strings are printed as-is, other values as compact JSON
func ExtractKeys(jsonPayload []byte, keys []string) ([]byte, error) {
	doc, err := fastjson.ParseBytes(jsonPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}

	var line []byte
	for i, key := range keys {
		if i > 0 {
			line = append(line, '\t')
		}
		value := doc.Get(strings.Split(key, "/")...)
		switch {
		case value == nil:
			line = append(line, MissingValue...)
		case value.Type() == fastjson.TypeString:
			line = append(line, value.GetStringBytes()...)
		default:
			line = value.MarshalTo(line)
		}
	}
	return line, nil
}
