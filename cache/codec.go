package cache

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

// Codec (de)serializes Metadata rows for the on-disk index. CBOR is the
// default for its compact binary encoding; JSON is kept available for
// tooling that wants to inspect the index with ordinary text utilities.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(b []byte, v any) error    { return cbor.Unmarshal(b, v) }

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// CBORCodec is the default on-disk codec.
func CBORCodec() Codec { return cborCodec{} }

// JSONCodec trades size for human readability.
func JSONCodec() Codec { return jsonCodec{} }
