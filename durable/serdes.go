package durable

import (
	"encoding/json"
)

// SerdesContext identifies the operation whose payload is being converted.
type SerdesContext struct {
	EntityID            string
	DurableExecutionArn string
}

// Serdes converts operation payloads to and from the opaque strings stored
// in the durable log. A nil payload means "no value".
//
// Failures in either direction terminate the invocation with SERDES_FAILED;
// they never reach user code as ordinary errors.
type Serdes[T any] interface {
	Serialize(sc SerdesContext, value T) (*string, error)
	Deserialize(sc SerdesContext, data *string) (T, error)
}

// Codec is the untyped encoding used by the default serdes of every
// operation. The default is JSON.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes with encoding/json.
type JSONCodec struct{}

// Marshal encodes v as JSON.
func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes JSON into v.
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CodecSerdes adapts a Codec to Serdes[T].
type CodecSerdes[T any] struct {
	Codec Codec
}

// JSONSerdes returns the default JSON serdes for T.
func JSONSerdes[T any]() Serdes[T] {
	return CodecSerdes[T]{Codec: JSONCodec{}}
}

// Serialize encodes value.
func (s CodecSerdes[T]) Serialize(_ SerdesContext, value T) (*string, error) {
	c := s.Codec
	if c == nil {
		c = JSONCodec{}
	}
	b, err := c.Marshal(value)
	if err != nil {
		return nil, err
	}
	out := string(b)
	return &out, nil
}

// Deserialize decodes data. A nil payload yields the zero value.
func (s CodecSerdes[T]) Deserialize(_ SerdesContext, data *string) (T, error) {
	var v T
	if data == nil {
		return v, nil
	}
	c := s.Codec
	if c == nil {
		c = JSONCodec{}
	}
	if err := c.Unmarshal([]byte(*data), &v); err != nil {
		return v, err
	}
	return v, nil
}

// PassthroughSerdes stores strings as they are. It is the default for
// callback results of type string, which external systems submit raw.
type PassthroughSerdes struct{}

// Serialize returns value unchanged.
func (PassthroughSerdes) Serialize(_ SerdesContext, value string) (*string, error) {
	return &value, nil
}

// Deserialize returns data unchanged, or "" for a nil payload.
func (PassthroughSerdes) Deserialize(_ SerdesContext, data *string) (string, error) {
	if data == nil {
		return "", nil
	}
	return *data, nil
}

// defaultSerdes picks the serdes for T when an operation config sets none.
func defaultSerdes[T any](codec Codec) Serdes[T] {
	return CodecSerdes[T]{Codec: codec}
}

// defaultCallbackSerdes is passthrough for string results and the codec
// otherwise.
func defaultCallbackSerdes[T any](codec Codec) Serdes[T] {
	var zero T
	if _, ok := any(zero).(string); ok {
		if s, ok := any(PassthroughSerdes{}).(Serdes[T]); ok {
			return s
		}
	}
	return CodecSerdes[T]{Codec: codec}
}

// flatError is the serialized form of an error inside a settled result.
type flatError struct {
	Message string   `json:"message"`
	Name    string   `json:"name"`
	Stack   []string `json:"stack,omitempty"`
	Data    string   `json:"data,omitempty"`
}

func flattenError(err error) *flatError {
	if err == nil {
		return nil
	}
	obj := ToErrorObject(err, ErrorKindStep)
	return &flatError{Message: obj.ErrorMessage, Name: obj.ErrorType, Stack: obj.StackTrace, Data: obj.ErrorData}
}

func (f *flatError) restore() error {
	if f == nil {
		return nil
	}
	return &OperationError{
		Kind:       ParseErrorKind(f.Name),
		Message:    f.Message,
		Data:       f.Data,
		StackTrace: f.Stack,
	}
}

// serialize runs s and wraps a failure as a SerdesError.
func serialize[T any](s Serdes[T], sc SerdesContext, name string, value T) (*string, error) {
	out, err := s.Serialize(sc, value)
	if err != nil {
		return nil, &SerdesError{Op: "Serialization", OperationID: sc.EntityID, Name: name, Err: err}
	}
	return out, nil
}

// deserialize runs s and wraps a failure as a SerdesError.
func deserialize[T any](s Serdes[T], sc SerdesContext, name string, data *string) (T, error) {
	v, err := s.Deserialize(sc, data)
	if err != nil {
		var zero T
		return zero, &SerdesError{Op: "Deserialization", OperationID: sc.EntityID, Name: name, Err: err}
	}
	return v, nil
}
