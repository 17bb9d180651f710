package transport

import "encoding/json"

// jsonCodecName is registered with grpc/encoding so wireRequest/wireResponse
// structs can ride over a real *grpc.ClientConn without generated protobuf
// stubs for the remote authorization service (out of scope per spec.md §1;
// only the client side of that RPC boundary is this module's concern).
const jsonCodecName = "json"

// jsonCodec implements grpc/encoding.Codec over encoding/json, the same
// shape grpc-gateway-style JSON transcoding codecs use.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return jsonCodecName }
