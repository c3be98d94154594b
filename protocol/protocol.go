// Package protocol frames messages between a dispatcher-side transport and a
// federation server.
//
// Every frame is a fixed 14-byte header followed by BodyLen bytes of body, so
// the reader always knows how much to consume next on the TCP stream.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ fed  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// A Cancel frame carries no body; its Seq names the in-flight request the
// caller has given up on.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MagicNumber byte = 0x66 // 'f'
	MagicByte2  byte = 0x65 // 'e'
	MagicByte3  byte = 0x64 // 'd'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen caps a single frame body. Anything larger is treated as a
	// corrupt stream rather than allocated.
	MaxBodyLen uint32 = 64 << 20
)

type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // transport → server call
	MsgTypeResponse  MsgType = 1 // server → transport result
	MsgTypeHeartbeat MsgType = 2 // keepalive probe, no body
	MsgTypeCancel    MsgType = 3 // transport → server, abandon request Seq
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeCancel:
		return "cancel"
	}
	return fmt.Sprintf("MsgType(%d)", byte(t))
}

func (t MsgType) valid() bool {
	return t <= MsgTypeCancel
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

var ErrBodyTooLarge = errors.New("protocol: frame body too large")

// Header is the fixed frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // matches a response (or cancel) to its request
	BodyLen   uint32
}

// Encode writes h and body as one frame. BodyLen is taken from body.
// Callers sharing w between goroutines must serialize calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return ErrBodyTooLarge
	}
	if !h.MsgType.valid() {
		return fmt.Errorf("unsupported message type: %d", h.MsgType)
	}

	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One write per frame keeps header and body together on the wire
	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r and validates its header.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if !msgType.valid() {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
