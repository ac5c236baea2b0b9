package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype the session service is served with.
const CodecName = "posesync"

// Codec adapts Message to gRPC's codec interface.
type Codec struct{}

var _ encoding.Codec = Codec{}

func init() {
	encoding.RegisterCodec(Codec{})
}

// Marshal encodes v, which must implement Message.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("wire codec: cannot marshal %T", v)
	}
	return m.AppendWire(nil), nil
}

// Unmarshal decodes data into v, which must implement Message.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("wire codec: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

// Name returns CodecName.
func (Codec) Name() string { return CodecName }
