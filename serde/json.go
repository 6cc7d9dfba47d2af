package serde

import (
	"encoding/json"
	"fmt"
)

// NewJSON returns a Serde encoding T as JSON.
//
// The factory creates the value JSON data is decoded into,
// which allows T to be a pointer type.
func NewJSON[T any](factory func() T) Fused[T, []byte] {
	serialize := func(t T) ([]byte, error) {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("serde.JSON: failed to serialize, %w", err)
		}

		return data, nil
	}

	deserialize := func(data []byte) (T, error) {
		model := factory()

		if err := json.Unmarshal(data, &model); err != nil {
			var zero T
			return zero, fmt.Errorf("serde.JSON: failed to deserialize, %w", err)
		}

		return model, nil
	}

	return Fuse[T, []byte](SerializerFunc[T, []byte](serialize), DeserializerFunc[T, []byte](deserialize))
}
