// Package payload converts received access log messages into the byte payloads published to the broker
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"

	accesslogv3 "github.com/envoyproxy/go-control-plane/envoy/service/accesslog/v3"
	"github.com/vmihailenco/msgpack/v4"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/encoding/protojson"
)

// Format identifies the encoding of published payloads
type Format string

const (
	// FormatJSON renders a record as compact JSON with the original proto field names
	FormatJSON Format = "json"

	// FormatPrettyJSON renders a record as indented multi-line JSON
	FormatPrettyJSON Format = "json-pretty"

	// FormatMsgpack renders the JSON document of a record as msgpack with sorted map keys
	FormatMsgpack Format = "msgpack"
)

// Formats lists all supported formats
var Formats = []Format{FormatJSON, FormatPrettyJSON, FormatMsgpack}

// Encoder renders a single access log message into a payload
//
// Encoders have no state and may be shared by any number of sessions
type Encoder interface {
	Encode(record *accesslogv3.StreamAccessLogsMessage) ([]byte, error)
}

// EncodeError is returned when a record contains a value the payload format cannot represent
type EncodeError struct {
	Format Format
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("failed to encode record as %s: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// ParseFormat validates the given format name
func ParseFormat(name string) (Format, error) {
	f := Format(name)
	if !slices.Contains(Formats, f) {
		return "", fmt.Errorf("unknown payload format '%s', must be one of %v", name, Formats)
	}
	return f, nil
}

// NewEncoder creates the Encoder for the given format
func NewEncoder(format Format) (Encoder, error) {
	switch format {
	case FormatJSON:
		return &jsonEncoder{format, protojson.MarshalOptions{UseProtoNames: true}}, nil
	case FormatPrettyJSON:
		return &jsonEncoder{format, protojson.MarshalOptions{UseProtoNames: true, Multiline: true, Indent: "  "}}, nil
	case FormatMsgpack:
		return &msgpackEncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown payload format '%s'", format)
	}
}

type jsonEncoder struct {
	format  Format
	options protojson.MarshalOptions
}

func (e *jsonEncoder) Encode(record *accesslogv3.StreamAccessLogsMessage) ([]byte, error) {
	bin, err := e.options.Marshal(record)
	if err != nil {
		return nil, &EncodeError{Format: e.format, Err: err}
	}
	return bin, nil
}

// msgpackEncoder goes through the protojson document so that field names, enums and well-known
// types are rendered exactly as in the JSON formats
type msgpackEncoder struct{}

func (e *msgpackEncoder) Encode(record *accesslogv3.StreamAccessLogsMessage) ([]byte, error) {
	jsonBin, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(record)
	if err != nil {
		return nil, &EncodeError{Format: FormatMsgpack, Err: err}
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(jsonBin, &doc); err != nil {
		return nil, &EncodeError{Format: FormatMsgpack, Err: err}
	}
	bin, err := marshalSortedMsgpack(doc)
	if err != nil {
		return nil, &EncodeError{Format: FormatMsgpack, Err: err}
	}
	return bin, nil
}

func marshalSortedMsgpack(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	encoder := msgpack.NewEncoder(buf).SortMapKeys(true)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
