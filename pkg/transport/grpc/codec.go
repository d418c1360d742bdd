package grpc

import (
	"encoding/json"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/grpc/encoding"
)

// jsonCodec carries management calls without protobuf codegen.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v interface{}) error { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                            { return "json" }

// msgpackCodec carries consensus RPCs; entry payloads stay binary on the
// wire instead of being base64 encoded.
type msgpackCodec struct{}

var msgpackHandle = &codec.MsgpackHandle{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	var out []byte
	err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(v)
	return out, err
}

func (msgpackCodec) Unmarshal(b []byte, v interface{}) error {
	return codec.NewDecoderBytes(b, msgpackHandle).Decode(v)
}

func (msgpackCodec) Name() string { return "msgpack" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
	encoding.RegisterCodec(msgpackCodec{})
}
