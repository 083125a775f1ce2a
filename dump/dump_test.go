package dump

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relex/alsrelay/payload"
	"github.com/relex/alsrelay/testdata"
	"github.com/relex/alsrelay/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

var sampleKeys = []string{
	"identifier/log_name",
	"http_logs/log_entry/0/request/path",
	"http_logs/log_entry/0/response/response_code",
	"http_logs/log_entry/0/request/request_method",
	"tcp_logs/log_entry/0/connection_properties/received_bytes",
}

func listSampleFiles(t *testing.T) []string {
	files, err := testdata.ListInputFiles("*.jsonl")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	return files
}

func TestGenerateExpectedOutputs(t *testing.T) {
	if !util.IsTestGenerationMode() {
		return
	}

	t.Log("regenerate key outputs...")

	for _, fn := range listSampleFiles(t) {
		wrt := &bytes.Buffer{}
		_, err := PrintRecordFile(fn, Options{Keys: sampleKeys}, wrt)
		assert.NoError(t, err)

		expectedFn := testdata.GetOutputFilename(fn, ".tsv")
		t.Logf("regenerate %s", expectedFn)
		assert.NoError(t, os.WriteFile(expectedFn, wrt.Bytes(), 0644), expectedFn)
	}
}

func TestPrintKeys(t *testing.T) {
	if util.IsTestGenerationMode() {
		return
	}

	for _, fn := range listSampleFiles(t) {
		expectedFn := testdata.GetOutputFilename(fn, ".tsv")
		expected, readErr := os.ReadFile(expectedFn)
		assert.NoError(t, readErr, expectedFn)

		wrt := &bytes.Buffer{}
		failures, err := PrintRecordFile(fn, Options{Format: payload.FormatMsgpack, Keys: sampleKeys}, wrt)
		assert.NoError(t, err)
		assert.Equal(t, 0, failures)
		assert.Equal(t, string(expected), wrt.String(), fn)
	}
}

func TestPrintPayloads(t *testing.T) {
	for _, fn := range listSampleFiles(t) {
		records, err := ReadRecordFile(fn)
		require.NoError(t, err)

		wrt := &bytes.Buffer{}
		failures, err := PrintFileOrDirectories([]string{fn}, Options{Format: payload.FormatJSON}, wrt)
		assert.NoError(t, err)
		assert.Equal(t, 0, failures)

		lines := strings.Split(strings.TrimSuffix(wrt.String(), "\n"), "\n")
		require.Len(t, lines, len(records), fn)
		for i, line := range lines {
			decoded, err := payload.Decode(payload.FormatJSON, []byte(line))
			require.NoError(t, err)
			assert.True(t, proto.Equal(records[i], decoded), "%s: record #%d", fn, i+1)
		}
	}
}

func TestReadRecordFile(t *testing.T) {
	records, err := ReadRecordFile(filepath.Join(testdata.Dir(), "sample.jsonl"))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "sidecar~10.1.0.7~web-1.default", records[0].GetIdentifier().GetNode().GetId())
	assert.Equal(t, "/items", records[1].GetHttpLogs().GetLogEntry()[0].GetRequest().GetPath())
	assert.Equal(t, uint64(2048), records[2].GetTcpLogs().GetLogEntry()[0].GetConnectionProperties().GetSentBytes())

	dir := t.TempDir()
	badFn := filepath.Join(dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(badFn, []byte("{}\n{\"http_logs\":[]}\n"), 0644))
	_, err = ReadRecordFile(badFn)
	assert.ErrorContains(t, err, "bad.jsonl:2:")

	_, err = ReadRecordFile(filepath.Join(dir, "missing.jsonl"))
	assert.Error(t, err)
}

func TestListFileOrDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jsonl"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jsonl"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))
	single := filepath.Join(testdata.Dir(), "sample.jsonl")

	files := ListFileOrDirectories([]string{dir, filepath.Join(dir, "missing"), single})
	assert.Equal(t, []string{filepath.Join(dir, "a.jsonl"), filepath.Join(dir, "b.jsonl"), single}, files)
}

func TestExtractKeys(t *testing.T) {
	line, err := ExtractKeys([]byte(`{"a":{"b":[1,{"c":"x"}]},"d":true,"e":{"f":null}}`), []string{"a/b/1/c", "a/b/0", "d", "e", "z"})
	assert.NoError(t, err)
	assert.Equal(t, "x\t1\ttrue\t{\"f\":null}\t-", string(line))

	_, err = ExtractKeys([]byte(`{`), []string{"a"})
	assert.Error(t, err)
}

func TestPrintMsgpackAsHex(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "tcp.jsonl")
	content := `{"tcp_logs":{"log_entry":[{"connection_properties":{"sent_bytes":"1"}}]}}` + "\n"
	require.NoError(t, os.WriteFile(fn, []byte(content), 0644))

	wrt := &bytes.Buffer{}
	failures, err := PrintRecordFile(fn, Options{Format: payload.FormatMsgpack}, wrt)
	assert.NoError(t, err)
	assert.Equal(t, 0, failures)
	assert.Regexp(t, "^[0-9a-f]+\n$", wrt.String())
}
