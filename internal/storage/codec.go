package storage

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Context blobs are stored as canonical CBOR. Every driver returns the
// decoded shapes: integers as int64, floats as float64, nested maps as
// map[string]any and arrays as []any.
var (
	contextEnc cbor.EncMode
	contextDec cbor.DecMode
)

func init() {
	var err error
	contextEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor enc mode: %v", err))
	}
	contextDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor dec mode: %v", err))
	}
}

// EncodeContext serializes a message context. A nil context encodes to nil.
func EncodeContext(c Context) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	b, err := contextEnc.Marshal(map[string]any(c))
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return b, nil
}

// DecodeContext is the inverse of EncodeContext.
func DecodeContext(b []byte) (Context, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := contextDec.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return Context(m), nil
}

// normalizeContext gives c the shapes a SQL driver would return by passing
// it through the codec.
func normalizeContext(c Context) (Context, error) {
	b, err := EncodeContext(c)
	if err != nil {
		return nil, err
	}
	return DecodeContext(b)
}
