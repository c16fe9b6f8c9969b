package notification

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"Go2NetSentry/internal/model"
)

// Wire encodings for published events.
const (
	EncodingJSON  = "json"
	EncodingProto = "proto"
)

// EncodeEvent serializes an event. The proto encoding wraps the JSON form
// of the event in a google.protobuf.Struct.
func EncodeEvent(event model.Event, encoding string) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	switch encoding {
	case "", EncodingJSON:
		return data, nil
	case EncodingProto:
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		st, err := structpb.NewStruct(m)
		if err != nil {
			return nil, fmt.Errorf("failed to build struct: %w", err)
		}
		return proto.Marshal(st)
	}
	return nil, fmt.Errorf("unknown encoding %q", encoding)
}

// DecodedEvent is an event read back from the wire. The payload keeps its
// generic JSON shape.
type DecodedEvent struct {
	Kind      model.EventKind        `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte, encoding string) (DecodedEvent, error) {
	var ev DecodedEvent
	switch encoding {
	case "", EncodingJSON:
	case EncodingProto:
		var st structpb.Struct
		if err := proto.Unmarshal(data, &st); err != nil {
			return ev, fmt.Errorf("failed to unmarshal protobuf: %w", err)
		}
		var err error
		data, err = json.Marshal(st.AsMap())
		if err != nil {
			return ev, err
		}
	default:
		return ev, fmt.Errorf("unknown encoding %q", encoding)
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("failed to decode event: %w", err)
	}
	return ev, nil
}
