// Package codec provides pluggable payload (de)serialization for flowmq
// handlers and the request/response layer. A facade is configured with one
// Encoder and one Decoder; both default to Identity.
package codec

import "encoding/json"

// Encoder serializes v into a wire payload.
type Encoder func(v any) ([]byte, error)

// Decoder deserializes a wire payload into v, which must be a pointer.
type Decoder func(data []byte, v any) error

// JSONEncode marshals v with encoding/json.
func JSONEncode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// JSONDecode unmarshals data into v with encoding/json.
func JSONDecode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// IdentityEncode passes the payload through unchanged; v must be []byte or *[]byte.
func IdentityEncode(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	if bp, ok := v.(*[]byte); ok {
		return *bp, nil
	}
	return nil, &TypeError{Want: "[]byte or *[]byte"}
}

// IdentityDecode copies the raw bytes into *[]byte.
func IdentityDecode(data []byte, v any) error {
	bp, ok := v.(*[]byte)
	if !ok {
		return &TypeError{Want: "*[]byte"}
	}
	*bp = append((*bp)[:0], data...)
	return nil
}

// TypeError reports a codec called with a value of the wrong shape.
type TypeError struct {
	Want string
}

func (e *TypeError) Error() string {
	return "codec: value must be " + e.Want
}
