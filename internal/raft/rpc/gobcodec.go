package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// gobCodec implements grpc's encoding.Codec, the interface grpc uses to
// marshal/unmarshal RPC payloads. Rather than generate message types from
// a .proto file, messages.go's plain structs travel as gob — the real grpc
// transport (framing, HTTP/2, flow control, deadlines) does the actual
// work; only the wire encoding is swapped out.
type gobCodec struct{}

// Name is registered with grpc via the "content-subtype" in CallContentSubtype,
// and must be lowercase to satisfy grpc's codec registry.
const codecName = "gob"

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string {
	return codecName
}
