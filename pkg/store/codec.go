package store

import (
	"bytes"
	"fmt"

	"github.com/cuemby/snops/pkg/wire"
)

// wireCodec frames V with a single leading version byte followed by its
// pkg/wire encoding, satisfying the "every persisted value carries a
// version header; readers reject unknown majors" invariant via the same
// wire.Writer/Reader contract used for the RPC and checkpoint types
// (HeightRequest, RetentionSpan, CheckpointHeader, AgentPeer, ...).
type wireCodec[V any] struct {
	typeName string
	version  uint8
	encode   func(*wire.Writer, V) (int, error)
	decode   func(*wire.Reader) (V, error)
}

// Wire returns a Codec that frames V with a version byte followed by the
// encoding produced by encode/decode. typeName identifies V in the
// *wire.UnsupportedHeaderError raised on a version mismatch.
func Wire[V any](typeName string, version uint8, encode func(*wire.Writer, V) (int, error), decode func(*wire.Reader) (V, error)) Codec[V] {
	return wireCodec[V]{typeName: typeName, version: version, encode: encode, decode: decode}
}

func (c wireCodec[V]) Encode(v V) ([]byte, error) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	if _, err := w.PutUint8(c.version); err != nil {
		return nil, fmt.Errorf("store: encode %s: %w", c.typeName, err)
	}
	if _, err := c.encode(w, v); err != nil {
		return nil, fmt.Errorf("store: encode %s: %w", c.typeName, err)
	}
	return buf.Bytes(), nil
}

func (c wireCodec[V]) Decode(b []byte) (V, error) {
	var zero V
	r := wire.NewReader(bytes.NewReader(b))
	version, err := r.GetUint8()
	if err != nil {
		return zero, fmt.Errorf("store: decode %s: %w", c.typeName, err)
	}
	if err := wire.CheckHeader(c.typeName, version, c.version); err != nil {
		return zero, err
	}
	v, err := c.decode(r)
	if err != nil {
		return zero, fmt.Errorf("store: decode %s: %w", c.typeName, err)
	}
	return v, nil
}
