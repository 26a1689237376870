// Package grpcraft is a real google.golang.org/grpc raft.Transport that
// avoids protoc-generated types: messages travel as gob-encoded bytes under
// a custom "gob" content-subtype, and the server side is a hand-written
// grpc.ServiceDesc registered directly with grpc.Server.RegisterService,
// grounded on the teacher's pkg/rpc/server.go comment "Register services
// manually (without generated code)" and pkg/rpc/client.go's choice of gob
// as the wire encoding.
package grpcraft

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

const codecName = "gob"

// gobCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/gob, the same serialization the teacher's hand-rolled rpc.Client
// used over raw net.Conn, here carried inside real gRPC framing instead.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
