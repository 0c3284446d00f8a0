package gateway

import "encoding/json"

// jsonCodec lets connect carry plain Go structs. It replaces connect's protojson
// codec under the same name, so clients send application/json.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) { return json.Marshal(msg) }

func (jsonCodec) Unmarshal(data []byte, msg any) error { return json.Unmarshal(data, msg) }
