// Package wire holds the binary encodings of the segment, credit and
// end-of-transfer messages.
//
// All integers are big-endian. Each message starts with a one-byte kind tag
// and a one-byte version.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Version byte = 1

	KindSegment byte = 'S'
	KindCredit  byte = 'M'
	KindEnd     byte = 'E'

	// SegmentHeaderSize is the fixed prefix in front of segment bytes.
	SegmentHeaderSize = 2 + 4 + 4
	creditSize        = 2 + 4
	endSize           = 2 + 4
)

var (
	ErrShortMessage = errors.New("wire: message too short")
	ErrBadKind      = errors.New("wire: unexpected message kind")
	ErrBadVersion   = errors.New("wire: unsupported version")
	ErrIndexRange   = errors.New("wire: segment index out of range")
)

// Segment is one slice of a serialized payload.
type Segment struct {
	Index uint32
	Total uint32
	Data  []byte
}

func EncodeSegment(s Segment) []byte {
	buf := make([]byte, SegmentHeaderSize+len(s.Data))
	buf[0] = KindSegment
	buf[1] = Version
	binary.BigEndian.PutUint32(buf[2:6], s.Index)
	binary.BigEndian.PutUint32(buf[6:10], s.Total)
	copy(buf[SegmentHeaderSize:], s.Data)
	return buf
}

// DecodeSegment parses a segment. The returned Data aliases msg.
func DecodeSegment(msg []byte) (Segment, error) {
	if err := checkHeader(msg, KindSegment, SegmentHeaderSize); err != nil {
		return Segment{}, err
	}
	s := Segment{
		Index: binary.BigEndian.Uint32(msg[2:6]),
		Total: binary.BigEndian.Uint32(msg[6:10]),
		Data:  msg[SegmentHeaderSize:],
	}
	if s.Index >= s.Total {
		return Segment{}, fmt.Errorf("%w: %d of %d", ErrIndexRange, s.Index, s.Total)
	}
	return s, nil
}

// EncodeCredit builds the receiver's "got up to count" signal.
func EncodeCredit(count uint32) []byte {
	buf := make([]byte, creditSize)
	buf[0] = KindCredit
	buf[1] = Version
	binary.BigEndian.PutUint32(buf[2:], count)
	return buf
}

func DecodeCredit(msg []byte) (uint32, error) {
	if err := checkHeader(msg, KindCredit, creditSize); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(msg[2:]), nil
}

// EncodeEnd builds the end-of-transfer marker carrying the segment total.
func EncodeEnd(total uint32) []byte {
	buf := make([]byte, endSize)
	buf[0] = KindEnd
	buf[1] = Version
	binary.BigEndian.PutUint32(buf[2:], total)
	return buf
}

func DecodeEnd(msg []byte) (uint32, error) {
	if err := checkHeader(msg, KindEnd, endSize); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(msg[2:]), nil
}

func checkHeader(msg []byte, kind byte, min int) error {
	if len(msg) < min {
		return fmt.Errorf("%w: %d bytes", ErrShortMessage, len(msg))
	}
	if msg[0] != kind {
		return fmt.Errorf("%w: got %q want %q", ErrBadKind, msg[0], kind)
	}
	if msg[1] != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, msg[1])
	}
	return nil
}
