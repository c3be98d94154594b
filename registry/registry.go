package registry

import (
	"context"

	"federation-rpc/geo"
)

// Endpoint is one network replica serving a partition. Several endpoints may
// serve the same partition; the client balances across them.
type Endpoint struct {
	Partition string   `json:"partition"`
	Addr      string   `json:"addr"`
	Weight    int      `json:"weight"` // Weight for load balancing
	Version   string   `json:"version"`
	Coverage  geo.Area `json:"coverage,omitempty"`
}

// Discovery publishes and finds the endpoints of a federated service.
type Discovery interface {
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, partition, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	Watch(ctx context.Context, service string) <-chan []Endpoint
}
