package serde

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// NewProto returns a Serde encoding T with the Protobuf binary format.
func NewProto[T proto.Message](factory func() T) Fused[T, []byte] {
	serialize := func(t T) ([]byte, error) {
		data, err := proto.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("serde.Proto: failed to serialize, %w", err)
		}

		return data, nil
	}

	deserialize := func(data []byte) (T, error) {
		model := factory()

		if err := proto.Unmarshal(data, model); err != nil {
			var zero T
			return zero, fmt.Errorf("serde.Proto: failed to deserialize, %w", err)
		}

		return model, nil
	}

	return Fuse[T, []byte](SerializerFunc[T, []byte](serialize), DeserializerFunc[T, []byte](deserialize))
}

// NewProtoJSON returns a Serde encoding T with the canonical Protobuf JSON mapping.
// Use it for Protobuf messages stored in JSON columns or documents.
func NewProtoJSON[T proto.Message](factory func() T) Fused[T, []byte] {
	serialize := func(t T) ([]byte, error) {
		data, err := protojson.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("serde.ProtoJSON: failed to serialize, %w", err)
		}

		return data, nil
	}

	deserialize := func(data []byte) (T, error) {
		model := factory()

		if err := protojson.Unmarshal(data, model); err != nil {
			var zero T
			return zero, fmt.Errorf("serde.ProtoJSON: failed to deserialize, %w", err)
		}

		return model, nil
	}

	return Fuse[T, []byte](SerializerFunc[T, []byte](serialize), DeserializerFunc[T, []byte](deserialize))
}
