package dump

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	accesslogv3 "github.com/envoyproxy/go-control-plane/envoy/service/accesslog/v3"
	"github.com/relex/gotils/logger"
	"google.golang.org/protobuf/encoding/protojson"
)

// ReadRecordFile reads access log messages from a JSON-lines file
//
// Each non-empty line is one message in protobuf JSON mapping, with either proto or camelCase field names.
// Lines starting with '#' are comments.
func ReadRecordFile(path string) ([]*accesslogv3.StreamAccessLogsMessage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var records []*accesslogv3.StreamAccessLogsMessage
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		record := &accesslogv3.StreamAccessLogsMessage{}
		if err := protojson.Unmarshal(line, record); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNum, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return records, nil
}

// ListFileOrDirectories expands directories in the list to the files inside (no nesting)
//
// Inaccessible paths are logged and skipped
func ListFileOrDirectories(pathList []string) []string {
	var fileList []string
	for _, path := range pathList {
		stat, statErr := os.Stat(path)
		if statErr != nil {
			logger.Errorf("input '%s' is not accessible: %v", path, statErr)
			continue
		}
		if !stat.IsDir() {
			fileList = append(fileList, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			logger.Errorf("input directory '%s' is not readable: %v", path, err)
			continue
		}
		dirFiles := make([]string, 0, len(entries))
		for _, entry := range entries {
			if !entry.IsDir() {
				dirFiles = append(dirFiles, filepath.Join(path, entry.Name()))
			}
		}
		sort.Strings(dirFiles)
		fileList = append(fileList, dirFiles...)
	}
	return fileList
}
