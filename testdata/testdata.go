// Package testdata contains sample access log records and files shared by tests
package testdata

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	datav3 "github.com/envoyproxy/go-control-plane/envoy/data/accesslog/v3"
	accesslogv3 "github.com/envoyproxy/go-control-plane/envoy/service/accesslog/v3"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// BaseTime is the start time of the first sample request
var BaseTime = time.Date(2022, 1, 14, 10, 30, 55, 0, time.UTC)

// Identifier returns the identifier Envoy sends in the first message of a stream
func Identifier(nodeID string) *accesslogv3.StreamAccessLogsMessage_Identifier {
	return &accesslogv3.StreamAccessLogsMessage_Identifier{
		Node:    &corev3.Node{Id: nodeID, Cluster: "web"},
		LogName: "als",
	}
}

// HTTPRecord returns a message with a single HTTP request, the index decides the path and start time
func HTTPRecord(index int, code uint32) *accesslogv3.StreamAccessLogsMessage {
	return &accesslogv3.StreamAccessLogsMessage{
		LogEntries: &accesslogv3.StreamAccessLogsMessage_HttpLogs{
			HttpLogs: &accesslogv3.StreamAccessLogsMessage_HTTPAccessLogEntries{
				LogEntry: []*datav3.HTTPAccessLogEntry{
					{
						CommonProperties: &datav3.AccessLogCommon{
							SampleRate:      1,
							StartTime:       timestamppb.New(BaseTime.Add(time.Duration(index) * time.Second)),
							UpstreamCluster: "backend",
						},
						ProtocolVersion: datav3.HTTPAccessLogEntry_HTTP11,
						Request: &datav3.HTTPRequestProperties{
							RequestMethod: corev3.RequestMethod_GET,
							Authority:     "example.com",
							Path:          fmt.Sprintf("/items/%d", index),
							UserAgent:     "curl/7.79.1",
						},
						Response: &datav3.HTTPResponseProperties{
							ResponseCode:        wrapperspb.UInt32(code),
							ResponseBodyBytes:   uint64(100 + index),
							ResponseCodeDetails: "via_upstream",
						},
					},
				},
			},
		},
	}
}

// TCPRecord returns a message with a single TCP connection
func TCPRecord(received uint64, sent uint64) *accesslogv3.StreamAccessLogsMessage {
	return &accesslogv3.StreamAccessLogsMessage{
		LogEntries: &accesslogv3.StreamAccessLogsMessage_TcpLogs{
			TcpLogs: &accesslogv3.StreamAccessLogsMessage_TCPAccessLogEntries{
				LogEntry: []*datav3.TCPAccessLogEntry{
					{
						CommonProperties: &datav3.AccessLogCommon{
							StartTime: timestamppb.New(BaseTime),
						},
						ConnectionProperties: &datav3.ConnectionProperties{ReceivedBytes: received, SentBytes: sent},
					},
				},
			},
		},
	}
}

// InvalidRecord returns a message which carries invalid UTF-8 in a string field and cannot be encoded as JSON
func InvalidRecord() *accesslogv3.StreamAccessLogsMessage {
	record := HTTPRecord(0, 500)
	record.GetHttpLogs().LogEntry[0].Request.Path = "/bad\xff\xfe"
	return record
}

// Dir returns the absolute path of this directory, where sample files are stored
func Dir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Dir(file)
}

// ListInputFiles lists sample record files matching the given pattern, e.g. "*.jsonl"
func ListInputFiles(pattern string) ([]string, error) {
	return filepath.Glob(filepath.Join(Dir(), pattern))
}

// GetOutputFilename returns the golden file path for the given input file and output extension, e.g. ".json"
func GetOutputFilename(inputPath string, ext string) string {
	return inputPath[:len(inputPath)-len(filepath.Ext(inputPath))] + ext
}
