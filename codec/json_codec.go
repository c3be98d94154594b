package codec

import (
	"encoding/json"
)

// JSONCodec encodes any value with encoding/json. Readable on the wire, but
// Payload bytes end up base64 encoded inside the envelope.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
