package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of every federation key in etcd:
//
//	Key:   /federation/{service}/{partition}/{addr}
//	Value: JSON-encoded Endpoint
const KeyPrefix = "/federation/"

func serviceKey(service string) string {
	return KeyPrefix + service + "/"
}

func endpointKey(service, partition, addr string) string {
	return serviceKey(service) + partition + "/" + addr
}

// EtcdRegistry implements Discovery on etcd v3. Endpoints are stored under
// TTL leases kept alive by the registering process, so a crashed backend
// drops out of the federation once its lease expires.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

// Ping checks that the first configured etcd endpoint answers.
func (r *EtcdRegistry) Ping(ctx context.Context) error {
	endpoints := r.client.Endpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("registry: no etcd endpoints")
	}
	_, err := r.client.Status(ctx, endpoints[0])
	return err
}

// Close releases the etcd connection.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

// Register publishes ep with a lease of ttl seconds and keeps the lease alive
// until ctx ends. The lease ID stays local so several servers can share one
// EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	if ep.Partition == "" || ep.Addr == "" {
		return fmt.Errorf("registry: endpoint needs partition and addr, got %+v", ep)
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	key := endpointKey(service, ep.Partition, ep.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.logger.Info("endpoint registered",
		zap.String("service", service),
		zap.String("partition", ep.Partition),
		zap.String("addr", ep.Addr))
	return nil
}

// Deregister removes one endpoint.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, partition, addr string) error {
	_, err := r.client.Delete(ctx, endpointKey(service, partition, addr))
	if err != nil {
		return err
	}
	r.logger.Info("endpoint deregistered",
		zap.String("service", service),
		zap.String("partition", partition),
		zap.String("addr", addr))
	return nil
}

// Discover returns every endpoint registered for service, in key order
// (partition, then address).
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, serviceKey(service), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch emits the full endpoint list of service once at start and again after
// every change under its prefix. The channel closes when ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)

		// Re-fetching the whole list is simpler than applying watch events
		emit := func() bool {
			endpoints, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("discover failed", zap.String("service", service), zap.Error(err))
				return ctx.Err() == nil
			}
			select {
			case ch <- endpoints:
				return true
			case <-ctx.Done():
				return false
			}
		}

		watchChan := r.client.Watch(ctx, serviceKey(service), clientv3.WithPrefix())
		if !emit() {
			return
		}
		for range watchChan {
			if !emit() {
				return
			}
		}
	}()

	return ch
}
