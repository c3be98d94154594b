package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"federation-rpc/message"
)

var errNotMessage = errors.New("BinaryCodec: v must be *RPCMessage")

// BinaryCodec lays an RPCMessage out as length-prefixed fields:
//
//	partition (2+n) | method (2+n) | error (2+n) | payload (4+n)
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotMessage
	}
	for _, f := range []struct{ name, value string }{
		{"partition", msg.Partition}, {"method", msg.Method}, {"error", msg.Error},
	} {
		if len(f.value) > 0xFFFF {
			return nil, fmt.Errorf("BinaryCodec: %s too long (%d bytes)", f.name, len(f.value))
		}
	}

	total := 2 + len(msg.Partition) + 2 + len(msg.Method) + 2 + len(msg.Error) + 4 + len(msg.Payload)
	buf := make([]byte, 0, total)
	buf = appendString(buf, msg.Partition)
	buf = appendString(buf, msg.Method)
	buf = appendString(buf, msg.Error)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotMessage
	}

	r := reader{data: data}
	msg.Partition = r.string()
	msg.Method = r.string()
	msg.Error = r.string()
	n := r.uint32()
	payload := r.bytes(int(n))
	if r.err != nil {
		return r.err
	}
	msg.Payload = append([]byte(nil), payload...)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks data and records the first short read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("BinaryCodec: truncated message at offset %d", r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) string() string {
	b := r.bytes(2)
	if b == nil {
		return ""
	}
	return string(r.bytes(int(binary.BigEndian.Uint16(b))))
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
