// Package codec encodes event payloads and snapshot state.
//
// Every encoded payload carries a content type so that a reader can pick the
// matching codec without knowing which aggregate produced it.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// ErrUnknownContentType is returned when no codec is registered for a content type.
var ErrUnknownContentType = errors.New("unknown content type")

// Codec marshals values to bytes and back.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON encodes values with encoding/json.
type JSON struct{}

func (JSON) ContentType() string { return ContentTypeJSON }

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Protobuf encodes proto.Message values in the binary wire format.
type Protobuf struct{}

func (Protobuf) ContentType() string { return ContentTypeProtobuf }

func (Protobuf) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf codec: %T is not a proto.Message", v)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

func (Protobuf) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protobuf codec: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, msg)
}

var (
	mu       sync.RWMutex
	registry = map[string]Codec{
		ContentTypeJSON:     JSON{},
		ContentTypeProtobuf: Protobuf{},
	}
)

// Register makes a codec available to ForContentType.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	registry[c.ContentType()] = c
}

// ForContentType returns the codec registered for contentType.
// An empty content type resolves to JSON.
func ForContentType(contentType string) (Codec, error) {
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContentType, contentType)
	}
	return c, nil
}

// Decode unmarshals data with the codec registered for contentType.
func Decode(contentType string, data []byte, v any) error {
	c, err := ForContentType(contentType)
	if err != nil {
		return err
	}
	return c.Unmarshal(data, v)
}
