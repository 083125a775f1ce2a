package payload

import (
	"encoding/json"
	"fmt"

	accesslogv3 "github.com/envoyproxy/go-control-plane/envoy/service/accesslog/v3"
	"github.com/vmihailenco/msgpack/v4"
	"google.golang.org/protobuf/encoding/protojson"
)

// Decode parses a payload produced by the Encoder of the given format back into a record
func Decode(format Format, data []byte) (*accesslogv3.StreamAccessLogsMessage, error) {
	jsonBin := data
	switch format {
	case FormatJSON, FormatPrettyJSON:
		// as-is
	case FormatMsgpack:
		var doc interface{}
		if err := msgpack.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal msgpack payload: %w", err)
		}
		bin, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert msgpack payload to JSON: %w", err)
		}
		jsonBin = bin
	default:
		return nil, fmt.Errorf("unknown payload format '%s'", format)
	}

	record := &accesslogv3.StreamAccessLogsMessage{}
	if err := protojson.Unmarshal(jsonBin, record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", format, err)
	}
	return record, nil
}
