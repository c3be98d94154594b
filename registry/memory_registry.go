package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Discovery for single-binary federations
// and tests. A registration lives until Deregister or until the context
// passed to Register ends, the way an etcd lease lapses with its owner.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Endpoint // service → partition/addr → endpoint
	watchers map[string]map[chan struct{}]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Endpoint),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	if ep.Partition == "" || ep.Addr == "" {
		return fmt.Errorf("registry: endpoint needs partition and addr, got %+v", ep)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := ep.Partition + "/" + ep.Addr
	r.mu.Lock()
	eps, ok := r.services[service]
	if !ok {
		eps = make(map[string]Endpoint)
		r.services[service] = eps
	}
	eps[key] = ep
	r.notifyLocked(service)
	r.mu.Unlock()

	if ctx.Done() == nil {
		return nil
	}
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		// Only drop the registration this context owns
		if cur, ok := r.services[service][key]; ok && sameEndpoint(cur, ep) {
			delete(r.services[service], key)
			r.notifyLocked(service)
		}
	}()
	return nil
}

func sameEndpoint(a, b Endpoint) bool {
	if a.Partition != b.Partition || a.Addr != b.Addr || a.Weight != b.Weight ||
		a.Version != b.Version || len(a.Coverage) != len(b.Coverage) {
		return false
	}
	for i := range a.Coverage {
		if a.Coverage[i] != b.Coverage[i] {
			return false
		}
	}
	return true
}

func (r *MemoryRegistry) Deregister(ctx context.Context, service string, partition, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := partition + "/" + addr
	if _, ok := r.services[service][key]; ok {
		delete(r.services[service], key)
		r.notifyLocked(service)
	}
	return nil
}

// Discover returns the endpoints of service ordered by partition, then
// address.
func (r *MemoryRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(service), nil
}

func (r *MemoryRegistry) listLocked(service string) []Endpoint {
	eps := make([]Endpoint, 0, len(r.services[service]))
	for _, ep := range r.services[service] {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Partition != eps[j].Partition {
			return eps[i].Partition < eps[j].Partition
		}
		return eps[i].Addr < eps[j].Addr
	})
	return eps
}

func (r *MemoryRegistry) notifyLocked(service string) {
	for w := range r.watchers[service] {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// Watch emits the endpoint list once at start and again after changes.
// Changes arriving faster than the reader are coalesced into the latest
// list. The channel closes when ctx ends.
func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	notify := make(chan struct{}, 1)
	notify <- struct{}{}

	r.mu.Lock()
	if r.watchers[service] == nil {
		r.watchers[service] = make(map[chan struct{}]struct{})
	}
	r.watchers[service][notify] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer close(ch)
		defer func() {
			r.mu.Lock()
			delete(r.watchers[service], notify)
			r.mu.Unlock()
		}()
		for {
			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
			r.mu.Lock()
			eps := r.listLocked(service)
			r.mu.Unlock()
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
