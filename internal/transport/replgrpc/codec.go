// Package replgrpc contains the gRPC transport adapters for replication and
// client traffic.
//
// Messages travel as JSON selected through the gRPC content-subtype
// mechanism, so the wire stays debuggable and no generated stubs are
// involved; proto-native services sharing the same server (health checks)
// keep their default codec.
package replgrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// codecName is the content-subtype both sides agree on.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals request and response bodies. Proto messages pass
// through the proto codec so foreign services are not broken by a shared
// registration.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("replgrpc: decode %T: %w", v, err)
	}
	return nil
}
