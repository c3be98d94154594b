// Package server hosts the backends of one or more partitions behind the
// framed protocol and publishes them in discovery.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → Request: go handleRequest (parallel processing)
//	    → Codec.Decode → JSON args → Middleware Chain → backend Invoke → Codec.Encode → write response
//	  → Cancel:  cancel the context of the request with the same Seq
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"federation-rpc/codec"
	"federation-rpc/geo"
	"federation-rpc/message"
	"federation-rpc/middleware"
	"federation-rpc/protocol"
	"federation-rpc/registry"

	"go.uber.org/zap"
)

// DefaultTTL is the discovery lease, in seconds, when Server.TTL is zero.
const DefaultTTL = 10

var (
	ErrNotServing   = errors.New("server: not serving")
	ErrShuttingDown = errors.New("server: shutting down")
)

type backend struct {
	partition string
	instance  registry.Instance
	coverage  geo.Area
}

// Server exposes hosted partitions to remote dispatchers.
type Server struct {
	// Logger receives request and lifecycle events; nil means no logging.
	Logger *zap.Logger
	// TTL is the discovery lease in seconds.
	TTL int64
	// Weight is published with every endpoint for weighted balancing.
	Weight int
	// Version is published with every endpoint.
	Version string

	service string

	mu       sync.RWMutex
	backends map[string]*backend

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	listener      net.Listener
	ready         chan struct{}
	wg            sync.WaitGroup // in-flight requests
	admit         sync.Mutex     // orders wg.Add against the shutdown flag
	shutdown      atomic.Bool
	conns         sync.Map // net.Conn → struct{}
	discovery     registry.Discovery
	advertiseAddr string
	lifetime      context.Context // ends on Shutdown; keeps discovery leases alive
	stop          context.CancelFunc
}

// NewServer creates a server for the named federated service.
func NewServer(service string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		service:  service,
		backends: make(map[string]*backend),
		ready:    make(chan struct{}),
		lifetime: ctx,
		stop:     cancel,
	}
}

func (svr *Server) logger() *zap.Logger {
	if svr.Logger == nil {
		return zap.NewNop()
	}
	return svr.Logger
}

// Register hosts inst as the backend of partition. Coverage is published in
// discovery for the geometric dispatch kinds. Registering on a running
// server publishes the partition at once.
func (svr *Server) Register(partition string, inst registry.Instance, coverage ...geo.Bounds) error {
	if partition == "" {
		return fmt.Errorf("server: empty partition key")
	}
	if inst == nil {
		return fmt.Errorf("server: nil backend for partition %q", partition)
	}
	b := &backend{partition: partition, instance: inst, coverage: geo.Area(coverage)}

	svr.mu.Lock()
	svr.backends[partition] = b
	svr.mu.Unlock()

	if svr.serving() && svr.discovery != nil {
		return svr.publish(b)
	}
	return nil
}

// Unregister stops hosting partition and withdraws it from discovery.
func (svr *Server) Unregister(partition string) bool {
	svr.mu.Lock()
	_, ok := svr.backends[partition]
	delete(svr.backends, partition)
	svr.mu.Unlock()

	if ok && svr.serving() && svr.discovery != nil {
		svr.withdraw(partition)
	}
	return ok
}

// Partitions returns the hosted partition keys in ascending order.
func (svr *Server) Partitions() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	keys := make([]string, 0, len(svr.backends))
	for k := range svr.backends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Use adds a middleware around every hosted invocation. Middlewares run in
// the order they are added; call Use before Serve.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Ready is closed once the server listens and every hosted partition is
// published.
func (svr *Server) Ready() <-chan struct{} {
	return svr.ready
}

// Addr returns the listen address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	select {
	case <-svr.ready:
		return svr.listener.Addr()
	default:
		return nil
	}
}

func (svr *Server) serving() bool {
	select {
	case <-svr.ready:
		return !svr.shutdown.Load()
	default:
		return false
	}
}

// Serve listens on address, publishes every hosted partition under
// advertiseAddr in disc (when non-nil), and handles connections until
// Shutdown. An empty advertiseAddr publishes the listen address.
func (svr *Server) Serve(network, address string, advertiseAddr string, disc registry.Discovery) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener
	svr.handler = middleware.Chain(svr.middlewares...)(svr.invoke)

	svr.advertiseAddr = advertiseAddr
	if svr.advertiseAddr == "" {
		svr.advertiseAddr = listener.Addr().String()
	}
	svr.discovery = disc
	if disc != nil {
		svr.mu.RLock()
		hosted := make([]*backend, 0, len(svr.backends))
		for _, b := range svr.backends {
			hosted = append(hosted, b)
		}
		svr.mu.RUnlock()
		for _, b := range hosted {
			if err := svr.publish(b); err != nil {
				listener.Close()
				return err
			}
		}
	}

	svr.logger().Info("serving",
		zap.String("service", svr.service),
		zap.String("addr", svr.advertiseAddr),
		zap.Strings("partitions", svr.Partitions()))
	close(svr.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.conns.Store(conn, struct{}{})
		go svr.handleConn(conn)
	}
}

func (svr *Server) ttl() int64 {
	if svr.TTL <= 0 {
		return DefaultTTL
	}
	return svr.TTL
}

func (svr *Server) publish(b *backend) error {
	ep := registry.Endpoint{
		Partition: b.partition,
		Addr:      svr.advertiseAddr,
		Weight:    svr.Weight,
		Version:   svr.Version,
		Coverage:  b.coverage,
	}
	if err := svr.discovery.Register(svr.lifetime, svr.service, ep, svr.ttl()); err != nil {
		return fmt.Errorf("server: publish partition %q: %w", b.partition, err)
	}
	return nil
}

func (svr *Server) withdraw(partition string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svr.discovery.Deregister(ctx, svr.service, partition, svr.advertiseAddr); err != nil {
		svr.logger().Warn("deregister failed", zap.String("partition", partition), zap.Error(err))
	}
}

// handleConn is the only reader of conn. Requests run in their own
// goroutines; a per-connection write mutex keeps response frames whole.
// Closing the connection cancels every request still running on it.
func (svr *Server) handleConn(conn net.Conn) {
	ctx, cancel := context.WithCancel(svr.lifetime)
	defer func() {
		cancel()
		svr.conns.Delete(conn)
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	var inflightMu sync.Mutex
	inflight := make(map[uint32]context.CancelFunc)

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeCancel:
			inflightMu.Lock()
			if stop, ok := inflight[header.Seq]; ok {
				delete(inflight, header.Seq)
				stop()
			}
			inflightMu.Unlock()
			continue
		case protocol.MsgTypeRequest:
		default:
			continue
		}

		svr.admit.Lock()
		if svr.shutdown.Load() {
			svr.admit.Unlock()
			svr.reject(header, conn, writeMu)
			continue
		}
		svr.wg.Add(1)
		svr.admit.Unlock()

		reqCtx, stop := context.WithCancel(ctx)
		inflightMu.Lock()
		inflight[header.Seq] = stop
		inflightMu.Unlock()

		go func(header *protocol.Header, body []byte) {
			defer svr.wg.Done()
			defer func() {
				inflightMu.Lock()
				delete(inflight, header.Seq)
				inflightMu.Unlock()
				stop()
			}()
			svr.handleRequest(reqCtx, header, body, conn, writeMu)
		}(header, body)
	}
}

func (svr *Server) handleRequest(ctx context.Context, header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	reply := svr.process(ctx, c, body)

	// The caller gave up; nobody is waiting for the answer
	if ctx.Err() != nil {
		return
	}

	svr.respond(c, header, reply, conn, writeMu)
}

// reject answers a request that arrived after Shutdown began.
func (svr *Server) reject(header *protocol.Header, conn net.Conn, writeMu *sync.Mutex) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	svr.respond(c, header, &message.RPCMessage{Error: ErrShuttingDown.Error()}, conn, writeMu)
}

func (svr *Server) respond(c codec.Codec, header *protocol.Header, reply *message.RPCMessage, conn net.Conn, writeMu *sync.Mutex) {
	result, err := c.Encode(reply)
	if err != nil {
		svr.logger().Error("failed to encode response", zap.Error(err))
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	replyHeader := protocol.Header{CodecType: header.CodecType, MsgType: protocol.MsgTypeResponse, Seq: header.Seq}
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.logger().Debug("failed to write response", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

// process decodes one request, runs it through the middleware chain and
// builds the response envelope.
func (svr *Server) process(ctx context.Context, c codec.Codec, body []byte) *message.RPCMessage {
	var req message.RPCMessage
	if err := c.Decode(body, &req); err != nil {
		return &message.RPCMessage{Error: fmt.Sprintf("malformed request: %v", err)}
	}

	var args []any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &args); err != nil {
			return &message.RPCMessage{Partition: req.Partition, Method: req.Method, Error: fmt.Sprintf("malformed arguments: %v", err)}
		}
	}

	reply := &message.RPCMessage{Partition: req.Partition, Method: req.Method}
	result, err := svr.handler(ctx, &message.Call{Partition: req.Partition, Method: req.Method, Args: args})
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	payload, err := json.Marshal(result)
	if err != nil {
		reply.Error = fmt.Sprintf("unencodable result: %v", err)
		return reply
	}
	reply.Payload = payload
	return reply
}

// invoke is the innermost handler: the hosted backend of the partition.
func (svr *Server) invoke(ctx context.Context, call *message.Call) (any, error) {
	svr.mu.RLock()
	b, ok := svr.backends[call.Partition]
	svr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("partition %q not hosted here", call.Partition)
	}
	return b.instance.Invoke(ctx, call.Method, call.Args)
}

// Shutdown withdraws every hosted partition from discovery, stops accepting
// connections and waits up to timeout for in-flight requests. Requests
// still running after timeout are cancelled. Requests arriving on open
// connections meanwhile are answered with ErrShuttingDown.
func (svr *Server) Shutdown(timeout time.Duration) error {
	select {
	case <-svr.ready:
	default:
		return ErrNotServing
	}
	svr.admit.Lock()
	first := svr.shutdown.CompareAndSwap(false, true)
	svr.admit.Unlock()
	if !first {
		return nil
	}

	// Withdraw first so dispatchers stop routing here
	if svr.discovery != nil {
		for _, p := range svr.Partitions() {
			svr.withdraw(p)
		}
	}
	svr.listener.Close()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.stop()
	svr.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})
	svr.logger().Info("shut down", zap.String("service", svr.service), zap.String("addr", svr.advertiseAddr))
	return err
}
