// Package codec turns transfer payloads into bytes and back.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownCodec = errors.New("unknown codec")

// Codec encodes values of one type. Decode(Encode(v)) must reproduce v.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// ByName resolves a configured codec name ("cbor", "json" or "raw").
// "raw" is only valid for []byte payloads. compress wraps the result in LZ4.
func ByName[T any](name string, compress bool) (Codec[T], error) {
	var c Codec[T]
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cbor":
		cb, err := CBOR[T]()
		if err != nil {
			return nil, err
		}
		c = cb
	case "json":
		c = JSON[T]()
	case "raw":
		raw, ok := any(Raw()).(Codec[T])
		if !ok {
			return nil, fmt.Errorf("%w: raw codec needs []byte payloads", ErrUnknownCodec)
		}
		c = raw
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	if compress {
		c = WithLZ4(c)
	}
	return c, nil
}
