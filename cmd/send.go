package cmd

import (
	"context"
	"time"

	accesslogv3 "github.com/envoyproxy/go-control-plane/envoy/service/accesslog/v3"
	"github.com/relex/alsrelay/dump"
	"github.com/relex/gotils/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type sendCmdState struct {
	Address  string `help:"Address of the relay"`
	Interval string `help:"Delay between messages"`
	Timeout  string `help:"Time limit for the whole stream"`
}

var sendCmd = sendCmdState{
	Address:  "localhost:50051",
	Interval: "0s",
	Timeout:  "1m",
}

func (cmd *sendCmdState) Run(args []string) {
	if len(args) < 1 {
		logger.Fatal("requires at least one file or directory")
	}
	interval, err := time.ParseDuration(cmd.Interval)
	if err != nil {
		logger.Fatal("invalid interval: ", err)
	}
	timeout, err := time.ParseDuration(cmd.Timeout)
	if err != nil {
		logger.Fatal("invalid timeout: ", err)
	}

	var records []*accesslogv3.StreamAccessLogsMessage
	for _, path := range dump.ListFileOrDirectories(args) {
		fileRecords, err := dump.ReadRecordFile(path)
		if err != nil {
			logger.Fatal(err)
		}
		records = append(records, fileRecords...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sendRecords(ctx, cmd.Address, records, interval); err != nil {
		logger.Fatal(err)
	}
	logger.Infof("sent %d messages to %s", len(records), cmd.Address)
}

func sendRecords(ctx context.Context, address string, records []*accesslogv3.StreamAccessLogsMessage, interval time.Duration) error {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	stream, err := accesslogv3.NewAccessLogServiceClient(conn).StreamAccessLogs(ctx)
	if err != nil {
		return err
	}
	for i, record := range records {
		if i > 0 && interval > 0 {
			time.Sleep(interval)
		}
		if err := stream.Send(record); err != nil {
			// the relay ended the stream, the status comes with CloseAndRecv
			logger.Warnf("failed to send message #%d: %v", i+1, err)
			break
		}
	}
	_, err = stream.CloseAndRecv()
	return err
}
