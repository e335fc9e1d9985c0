package streams

import "encoding/json"

// Codec converts between typed values and the raw bytes records carry. The
// engine itself only moves bytes; codecs are the boundary for applications
// and tests.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// StringCodec passes strings through as UTF-8 bytes.
type StringCodec struct{}

func (StringCodec) Encode(value string) ([]byte, error) {
	return []byte(value), nil
}

func (StringCodec) Decode(data []byte) (string, error) {
	return string(data), nil
}

var _ Codec[string] = StringCodec{}

// JSONCodec marshals values with encoding/json.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var value T
	err := json.Unmarshal(data, &value)
	return value, err
}
