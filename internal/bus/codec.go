package bus

import jsoniter "github.com/json-iterator/go"

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes a bus payload.
func Marshal(v any) ([]byte, error) { return codec.Marshal(v) }

// Unmarshal decodes a bus payload.
func Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }
