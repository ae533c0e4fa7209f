package transfer

import (
	"errors"
	"fmt"
)

var ErrMissingSegments = errors.New("missing segments")

// splitSegments slices buf into consecutive pieces of at most size bytes.
// The pieces alias buf. An empty buffer yields no segments.
func splitSegments(buf []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	segments := make([][]byte, 0, (len(buf)+size-1)/size)
	for offset := 0; offset < len(buf); offset += size {
		end := min(offset+size, len(buf))
		segments = append(segments, buf[offset:end:end])
	}
	return segments
}

// missingSegments lists the indices in [0, total) absent from parts.
func missingSegments(parts map[int][]byte, total int) []int {
	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := parts[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// assemble concatenates parts in index order. Every index below total must
// be present.
func assemble(parts map[int][]byte, total int) ([]byte, error) {
	if missing := missingSegments(parts, total); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %d of %d (first %d)", ErrMissingSegments, len(missing), total, missing[0])
	}
	size := 0
	for i := 0; i < total; i++ {
		size += len(parts[i])
	}
	buf := make([]byte, 0, size)
	for i := 0; i < total; i++ {
		buf = append(buf, parts[i]...)
	}
	return buf, nil
}
