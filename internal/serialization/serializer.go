// Package serialization encodes stored values with a one-byte format
// prefix so JSON and protobuf payloads can live side by side.
package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// PayloadFormat represents the serialization format used for a payload
type PayloadFormat byte

const (
	// FormatJSON represents JSON serialization
	FormatJSON PayloadFormat = 0x00

	// FormatProtobuf represents Protocol Buffers serialization
	FormatProtobuf PayloadFormat = 0x01
)

var (
	// ErrUnknownFormat is returned when the payload format cannot be determined
	ErrUnknownFormat = errors.New("unknown payload format")

	// ErrMarshalFailed is returned when marshaling fails
	ErrMarshalFailed = errors.New("failed to marshal payload")

	// ErrUnmarshalFailed is returned when unmarshaling fails
	ErrUnmarshalFailed = errors.New("failed to unmarshal payload")
)

// ParseFormat maps a config name ("json", "protobuf") to a PayloadFormat
func ParseFormat(name string) (PayloadFormat, error) {
	switch name {
	case "json", "":
		return FormatJSON, nil
	case "protobuf", "proto":
		return FormatProtobuf, nil
	default:
		return FormatJSON, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// String returns the config name of the format
func (f PayloadFormat) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatProtobuf:
		return "protobuf"
	default:
		return fmt.Sprintf("format(0x%02X)", byte(f))
	}
}

// Serializer handles payload serialization with format detection
type Serializer struct {
	// DefaultFormat is the format to use when serializing new payloads
	DefaultFormat PayloadFormat
}

// NewSerializer creates a new serializer with the specified default format
func NewSerializer(defaultFormat PayloadFormat) *Serializer {
	return &Serializer{DefaultFormat: defaultFormat}
}

// Marshal serializes v using the default format and prepends the format byte
func (s *Serializer) Marshal(v interface{}) ([]byte, error) {
	return s.MarshalWithFormat(v, s.DefaultFormat)
}

// MarshalWithFormat serializes v using the given format. For protobuf,
// values that are not proto messages are carried as a structpb.Struct.
func (s *Serializer) MarshalWithFormat(v interface{}, format PayloadFormat) ([]byte, error) {
	var data []byte
	var err error

	switch format {
	case FormatJSON:
		data, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w (JSON): %v", ErrMarshalFailed, err)
		}

	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			msg, err = ToStruct(v)
			if err != nil {
				return nil, fmt.Errorf("%w (Protobuf): %v", ErrMarshalFailed, err)
			}
		}
		data, err = proto.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("%w (Protobuf): %v", ErrMarshalFailed, err)
		}

	default:
		return nil, fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}

	result := make([]byte, len(data)+1)
	result[0] = byte(format)
	copy(result[1:], data)

	return result, nil
}

// Unmarshal deserializes a payload, detecting the format from its prefix.
// v must be a pointer.
func (s *Serializer) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrUnmarshalFailed)
	}

	format, payload, err := s.DetectFormat(data)
	if err != nil {
		return err
	}

	return s.UnmarshalWithFormat(payload, v, format)
}

// UnmarshalWithFormat deserializes an unprefixed payload in the given format
func (s *Serializer) UnmarshalWithFormat(data []byte, v interface{}, format PayloadFormat) error {
	switch format {
	case FormatJSON:
		if err := decodeJSON(data, v); err != nil {
			return fmt.Errorf("%w (JSON): %v", ErrUnmarshalFailed, err)
		}
		return nil

	case FormatProtobuf:
		if msg, ok := v.(proto.Message); ok {
			if err := proto.Unmarshal(data, msg); err != nil {
				return fmt.Errorf("%w (Protobuf): %v", ErrUnmarshalFailed, err)
			}
			return nil
		}

		st := &structpb.Struct{}
		if err := proto.Unmarshal(data, st); err != nil {
			return fmt.Errorf("%w (Protobuf): %v", ErrUnmarshalFailed, err)
		}
		if err := FromStruct(st, v); err != nil {
			return fmt.Errorf("%w (Protobuf): %v", ErrUnmarshalFailed, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}
}

// DetectFormat returns the format of a payload and the payload without
// its prefix. Unprefixed JSON objects and arrays are accepted as JSON.
func (s *Serializer) DetectFormat(data []byte) (PayloadFormat, []byte, error) {
	if len(data) == 0 {
		return FormatJSON, nil, fmt.Errorf("%w: empty payload", ErrUnknownFormat)
	}

	format := PayloadFormat(data[0])

	switch format {
	case FormatJSON, FormatProtobuf:
		if len(data) < 2 {
			return format, nil, fmt.Errorf("%w: payload too short", ErrUnmarshalFailed)
		}
		return format, data[1:], nil

	default:
		if data[0] == '{' || data[0] == '[' {
			return FormatJSON, data, nil
		}
		return FormatJSON, data, fmt.Errorf("%w: unknown format byte 0x%02X", ErrUnknownFormat, data[0])
	}
}

// IsProtobuf returns true if the data is in protobuf format
func (s *Serializer) IsProtobuf(data []byte) bool {
	return len(data) > 0 && PayloadFormat(data[0]) == FormatProtobuf
}

// ToStruct converts any JSON-encodable value into a structpb.Struct.
// The value must encode as a JSON object.
func ToStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("value does not encode as a JSON object: %w", err)
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes a structpb.Struct into v through its JSON form.
// Struct numbers are doubles, so integers beyond 2^53 are not exact.
func FromStruct(st *structpb.Struct, v interface{}) error {
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return decodeJSON(raw, v)
}

// decodeJSON unmarshals a single JSON value, leaving numbers in untyped
// fields as json.Number so they are re-encoded exactly as stored
func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}
