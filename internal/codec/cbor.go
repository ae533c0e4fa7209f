package codec

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

type cborCodec[T any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec (canonical encoding).
func CBOR[T any]() (Codec[T], error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return cborCodec[T]{enc: em, dec: dm}, nil
}

func (c cborCodec[T]) Encode(v T) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := c.dec.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("cbor decode: %w", err)
	}
	return v, nil
}
