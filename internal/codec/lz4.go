package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

type lz4Codec[T any] struct {
	inner Codec[T]
}

// WithLZ4 compresses the serialized form produced by inner.
func WithLZ4[T any](inner Codec[T]) Codec[T] {
	return lz4Codec[T]{inner: inner}
}

func (c lz4Codec[T]) Encode(v T) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return Compress(raw)
}

func (c lz4Codec[T]) Decode(data []byte) (T, error) {
	raw, err := Decompress(data)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.inner.Decode(raw)
}

// Compress writes data as one LZ4 frame.
func Compress(data []byte) ([]byte, error) {
	var compressed bytes.Buffer
	writer := lz4.NewWriter(&compressed)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return compressed.Bytes(), nil
}

func Decompress(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	var decompressed bytes.Buffer
	if _, err := io.Copy(&decompressed, reader); err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return decompressed.Bytes(), nil
}
