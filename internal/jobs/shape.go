package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
)

// Shape describes the payload accepted or produced by a job type.
type Shape interface {
	// Name is a human readable name for logs and errors.
	Name() string
	// Coerce decodes raw into a value of the shape.
	Coerce(raw json.RawMessage) (any, error)
	// Check reports whether v is a value of the shape.
	Check(v any) error
	// Encode serializes a checked value.
	Encode(v any) (json.RawMessage, error)
}

// Validator is implemented by payload types with constraints beyond their
// JSON structure.
type Validator interface {
	Validate() error
}

type typedShape[T any] struct {
	name string
}

// ShapeOf returns the Shape of the Go type T. Decoding is strict: unknown
// fields and trailing data are rejected, and Validate is called when T
// implements Validator.
func ShapeOf[T any]() Shape {
	return typedShape[T]{name: reflect.TypeOf((*T)(nil)).Elem().String()}
}

func (s typedShape[T]) Name() string { return s.name }

func (s typedShape[T]) Coerce(raw json.RawMessage) (any, error) {
	var v T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%s: payload is empty", s.name)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: unexpected data after payload", s.name)
	}

	if val, ok := any(&v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return v, nil
}

func (s typedShape[T]) Check(v any) error {
	if _, ok := v.(T); !ok {
		return fmt.Errorf("got %T, want %s", v, s.name)
	}
	return nil
}

func (s typedShape[T]) Encode(v any) (json.RawMessage, error) {
	if err := s.Check(v); err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", s.name, err)
	}
	return data, nil
}

