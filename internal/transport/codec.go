package transport

import (
	"google.golang.org/grpc/encoding"

	"github.com/rzbill/steward/internal/codec"
)

// CodecName is the gRPC content subtype used by steward.
const CodecName = "cbor"

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return codec.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}
