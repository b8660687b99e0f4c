package codec

import "github.com/vmihailenco/msgpack/v5"

// MsgpackEncode marshals v with msgpack, useful where payload size matters
// more than human readability.
func MsgpackEncode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// MsgpackDecode unmarshals a msgpack payload into v.
func MsgpackDecode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
