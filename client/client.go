// Package client turns discovered endpoints into registry instances.
//
// A Remote is the Instance of one partition as seen from the dispatcher: it
// balances calls across the replica endpoints serving that partition and
// shares one multiplexed transport per address with every other Remote of
// the same Client.
//
//	Discovery ──Apply──► Instances {1: Remote[a:1, b:1], 40: Remote[c:1]}
//	                                     │
//	              Invoke ── Balancer.Pick ── transport(a:1).Call
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"federation-rpc/codec"
	"federation-rpc/geo"
	"federation-rpc/loadbalance"
	"federation-rpc/registry"
	"federation-rpc/transport"

	"go.uber.org/zap"
)

// Option configures a Client.
type Option func(*Client)

// WithBalancer sets the factory for the per-partition balancer.
func WithBalancer(newBalancer func() loadbalance.Balancer) Option {
	return func(c *Client) { c.newBalancer = newBalancer }
}

// WithCodec selects the frame body codec.
func WithCodec(ct codec.CodecType) Option {
	return func(c *Client) { c.codecType = ct }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHeartbeat sets the keepalive interval of new transports.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Client) { c.heartbeat = interval }
}

// Client owns the connections to every known endpoint address.
type Client struct {
	codecType   codec.CodecType
	newBalancer func() loadbalance.Balancer
	heartbeat   time.Duration
	logger      *zap.Logger

	mu         sync.Mutex
	transports map[string]*transport.ClientTransport
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		codecType:   codec.CodecTypeBinary,
		newBalancer: func() loadbalance.Balancer { return &loadbalance.RoundRobinBalancer{} },
		heartbeat:   transport.DefaultHeartbeat,
		logger:      zap.NewNop(),
		transports:  make(map[string]*transport.ClientTransport),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// transport returns the live transport to addr, dialing a new one when
// there is none or the previous one broke.
func (c *Client) transport(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	t, ok := c.transports[addr]
	c.mu.Unlock()
	if ok && !t.Broken() {
		return t, nil
	}

	fresh, err := transport.Dial(ctx, addr, c.codecType,
		transport.WithHeartbeat(c.heartbeat), transport.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have redialed meanwhile
	if cur, ok := c.transports[addr]; ok && !cur.Broken() {
		fresh.Close()
		return cur, nil
	}
	if ok {
		c.logger.Info("redialed endpoint", zap.String("addr", addr), zap.NamedError("previous", t.Err()))
	}
	c.transports[addr] = fresh
	return fresh, nil
}

// Close closes every transport. Remotes of this client fail afterwards
// until they redial.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, t := range c.transports {
		t.Close()
		delete(c.transports, addr)
	}
	return nil
}

// Remote is the Instance of one partition served over the network.
type Remote struct {
	client    *Client
	partition string
	endpoints []registry.Endpoint
	coverage  geo.Area
	balancer  loadbalance.Balancer
}

// Remote builds the instance of partition from its replica endpoints.
// Endpoints of other partitions are ignored.
func (c *Client) Remote(partition string, endpoints []registry.Endpoint) *Remote {
	r := &Remote{client: c, partition: partition, balancer: c.newBalancer()}
	for _, ep := range endpoints {
		if ep.Partition != partition {
			continue
		}
		r.endpoints = append(r.endpoints, ep)
		r.coverage = append(r.coverage, ep.Coverage...)
	}
	return r
}

func (r *Remote) Partition() string { return r.partition }

// Endpoints returns a copy of the replica endpoints.
func (r *Remote) Endpoints() []registry.Endpoint {
	return append([]registry.Endpoint(nil), r.endpoints...)
}

// Invoke calls methodName on one replica picked by the balancer and decodes
// the JSON result. Numbers decode as float64, objects as map[string]any.
func (r *Remote) Invoke(ctx context.Context, methodName string, args []any) (any, error) {
	ep, err := r.balancer.Pick(r.endpoints)
	if err != nil {
		return nil, err
	}
	t, err := r.client.transport(ctx, ep.Addr)
	if err != nil {
		return nil, err
	}
	payload, err := t.Call(ctx, r.partition, methodName, args)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Intersects reports whether any replica declared coverage touching b.
func (r *Remote) Intersects(b geo.Bounds) bool { return r.coverage.Intersects(b) }

// Contains reports whether any replica declared coverage containing p.
func (r *Remote) Contains(p geo.Point) bool { return r.coverage.Contains(p) }
