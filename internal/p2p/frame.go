package p2p

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	cbor "github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds one encoded frame. It leaves room for the envelope
// around a full bus message.
const MaxFrameSize = 64 * 1024

var ErrFrameSize = errors.New("invalid frame length")

// FrameType represents the kinds of frames exchanged between links.
type FrameType byte

const (
	FrameHandshake FrameType = iota + 1
	FrameHandshakeReply
	FrameMessage
	FramePing
	FramePong
)

func (t FrameType) String() string {
	switch t {
	case FrameHandshake:
		return "handshake"
	case FrameHandshakeReply:
		return "handshake_reply"
	case FrameMessage:
		return "message"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	default:
		return fmt.Sprintf("frame(%d)", byte(t))
	}
}

// Frame is the envelope written on a connection.
type Frame struct {
	Type  FrameType `cbor:"1,keyasint"`
	ID    string    `cbor:"2,keyasint,omitempty"`
	From  string    `cbor:"3,keyasint,omitempty"`
	To    string    `cbor:"4,keyasint,omitempty"`
	Topic string    `cbor:"5,keyasint,omitempty"`
	Data  []byte    `cbor:"6,keyasint,omitempty"`
}

// HandshakeData is carried in the Data of handshake frames.
type HandshakeData struct {
	NodeID    string `cbor:"1,keyasint"`
	Version   string `cbor:"2,keyasint"`
	Challenge string `cbor:"3,keyasint,omitempty"`
	Response  string `cbor:"4,keyasint,omitempty"`
}

// writeFrame writes a length-prefixed frame and flushes w.
func writeFrame(w *bufio.Writer, f *Frame) error {
	body, err := cbor.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameSize, len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 || length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameSize, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	var f Frame
	if err := cbor.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &f, nil
}
