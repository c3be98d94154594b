// Package transport multiplexes many concurrent calls over one connection to
// a federation server.
//
// Each request gets its own sequence id; a single recvLoop goroutine reads
// responses and hands each one to the caller waiting on that id.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Call(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
//
// A caller that gives up (its context ends) removes its pending entry and
// sends a Cancel frame for the same sequence id, so the server can stop
// working on it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"federation-rpc/codec"
	"federation-rpc/message"
	"federation-rpc/protocol"

	"go.uber.org/zap"
)

// DefaultHeartbeat is the keepalive interval used by Dial.
const DefaultHeartbeat = 30 * time.Second

var ErrClosed = errors.New("transport: connection closed")

// BrokenError reports a connection lost while calls were in flight.
// Another replica or a fresh connection may succeed.
type BrokenError struct {
	Addr  string
	Cause error
}

func (e *BrokenError) Error() string {
	return fmt.Sprintf("transport: connection to %s broken: %v", e.Addr, e.Cause)
}

func (e *BrokenError) Unwrap() error   { return e.Cause }
func (e *BrokenError) Retryable() bool { return true }

// RemoteError carries a failure reported by the server for one call.
type RemoteError struct {
	Partition string
	Method    string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s on partition %q: %s", e.Method, e.Partition, e.Message)
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithHeartbeat sets the keepalive interval. Zero disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = interval }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *ClientTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn      net.Conn
	codec     codec.CodecType
	heartbeat time.Duration
	logger    *zap.Logger

	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]chan *message.RPCMessage
	sending sync.Mutex // one frame at a time on conn

	done      chan struct{}
	closeOnce sync.Once
	err       error // set before done is closed
}

// Dial connects to addr and starts a transport on the connection.
func Dial(ctx context.Context, addr string, ct codec.CodecType, opts ...Option) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, ct, opts...), nil
}

// NewClientTransport starts the receive loop, and the heartbeat loop unless
// disabled, on conn.
func NewClientTransport(conn net.Conn, ct codec.CodecType, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		codec:     ct,
		heartbeat: DefaultHeartbeat,
		logger:    zap.NewNop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Send writes one request and returns its sequence id together with the
// channel its response will arrive on.
func (t *ClientTransport) Send(partition, methodName string, args []any) (uint32, <-chan *message.RPCMessage, error) {
	if t.Broken() {
		return 0, nil, t.Err()
	}
	if args == nil {
		args = []any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, err
	}
	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		Partition: partition,
		Method:    methodName,
		Payload:   payload,
	})
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	// Registered before writing so recvLoop can never miss the response
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)

	header := protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeRequest, Seq: seq}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		t.fail(err)
		return 0, nil, t.Err()
	}
	return seq, respChan, nil
}

// Call sends a request and waits for its result payload. When ctx ends
// first, the request is cancelled on the server and ctx.Err() returned.
func (t *ClientTransport) Call(ctx context.Context, partition, methodName string, args []any) ([]byte, error) {
	seq, ch, err := t.Send(partition, methodName, args)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return t.result(partition, methodName, resp)
	case <-ctx.Done():
		if _, waiting := t.pending.LoadAndDelete(seq); waiting {
			t.cancel(seq)
		}
		return nil, ctx.Err()
	case <-t.done:
		select {
		case resp := <-ch:
			return t.result(partition, methodName, resp)
		default:
		}
		return nil, t.Err()
	}
}

func (t *ClientTransport) result(partition, methodName string, resp *message.RPCMessage) ([]byte, error) {
	if resp.Error != "" {
		return nil, &RemoteError{Partition: partition, Method: methodName, Message: resp.Error}
	}
	return resp.Payload, nil
}

func (t *ClientTransport) cancel(seq uint32) {
	t.sending.Lock()
	defer t.sending.Unlock()
	header := protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeCancel, Seq: seq}
	if err := protocol.Encode(t.conn, &header, nil); err != nil {
		t.logger.Debug("cancel frame not sent", zap.Uint32("seq", seq), zap.Error(err))
	}
}

// recvLoop is the only reader of conn. Responses may arrive in any order;
// the sequence id finds their caller. Responses nobody waits for any more
// are dropped.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = &message.RPCMessage{Error: fmt.Sprintf("undecodable response: %v", err)}
		}
		if channel, ok := t.pending.LoadAndDelete(header.Seq); ok {
			channel.(chan *message.RPCMessage) <- resp
		}
	}
}

// fail marks the transport broken and releases every pending caller.
func (t *ClientTransport) fail(cause error) {
	t.closeOnce.Do(func() {
		t.err = &BrokenError{Addr: t.conn.RemoteAddr().String(), Cause: cause}
		close(t.done)
		t.conn.Close()
	})
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.err = ErrClosed
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// Broken reports whether the connection is gone, closed or failed.
func (t *ClientTransport) Broken() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns why the transport stopped, or nil while it is healthy.
func (t *ClientTransport) Err() error {
	if !t.Broken() {
		return nil
	}
	return t.err
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-t.done:
			return
		}
		header := &protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(err)
			return
		}
	}
}
