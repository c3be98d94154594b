// Package registry tracks which backend instance owns which partition key.
//
// Instances is the live membership. Readers take a Snapshot, an immutable
// point-in-time view, and keep it for the whole call; writers (Join, Leave)
// build a fresh snapshot and publish it with a single atomic store, so an
// in-flight reader never sees a half-applied change and never blocks a
// writer:
//
//	Join("3", c)   v1 {1:a, 2:b}  ──copy+insert──►  v2 {1:a, 2:b, 3:c}
//	                     ▲                                ▲
//	          fan-out started here           calls started afterwards
//
// Discovery (see EtcdRegistry) finds the network endpoints that back those
// instances.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"federation-rpc/geo"
)

// Instance is one backend implementation of the federated service.
type Instance interface {
	Invoke(ctx context.Context, method string, args []any) (any, error)
}

// InstanceFunc adapts a function to Instance.
type InstanceFunc func(ctx context.Context, method string, args []any) (any, error)

func (f InstanceFunc) Invoke(ctx context.Context, method string, args []any) (any, error) {
	return f(ctx, method, args)
}

// Covering is implemented by instances that declare a service area.
// Instances without one are never selected by geometric fan-out.
type Covering interface {
	Intersects(b geo.Bounds) bool
	Contains(p geo.Point) bool
}

type covered struct {
	Instance
	geo.Area
}

// WithCoverage attaches a service area to inst.
func WithCoverage(inst Instance, area geo.Area) Instance {
	return covered{Instance: inst, Area: area}
}

// Member is one entry of a snapshot.
type Member struct {
	Partition string
	Instance  Instance
}

// Snapshot is an immutable view of the membership at one version.
type Snapshot struct {
	version uint64
	members []Member // ascending by partition
	index   map[string]int
}

var emptySnapshot = &Snapshot{index: map[string]int{}}

// Version increases with every published change.
func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) Len() int { return len(s.members) }

// Lookup returns the instance owning partition.
func (s *Snapshot) Lookup(partition string) (Instance, bool) {
	i, ok := s.index[partition]
	if !ok {
		return nil, false
	}
	return s.members[i].Instance, true
}

// Members returns the members in ascending partition order. The returned
// slice is a copy.
func (s *Snapshot) Members() []Member {
	return append([]Member(nil), s.members...)
}

// Partitions returns the partition keys in ascending order.
func (s *Snapshot) Partitions() []string {
	keys := make([]string, len(s.members))
	for i, m := range s.members {
		keys[i] = m.Partition
	}
	return keys
}

// Instances is the live, concurrency-safe partition membership.
type Instances struct {
	mu      sync.Mutex // serializes writers only
	current atomic.Pointer[Snapshot]
}

func NewInstances() *Instances {
	r := &Instances{}
	r.current.Store(emptySnapshot)
	return r
}

// Snapshot returns the current membership. It never blocks.
func (r *Instances) Snapshot() *Snapshot {
	return r.current.Load()
}

// Join publishes inst as the owner of partition, replacing any previous
// owner.
func (r *Instances) Join(partition string, inst Instance) error {
	if partition == "" {
		return fmt.Errorf("registry: empty partition key")
	}
	if inst == nil {
		return fmt.Errorf("registry: nil instance for partition %q", partition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	members := make([]Member, 0, len(old.members)+1)
	for _, m := range old.members {
		if m.Partition != partition {
			members = append(members, m)
		}
	}
	members = append(members, Member{Partition: partition, Instance: inst})
	r.publish(old, members)
	return nil
}

// Leave removes partition. It reports whether the partition was present.
func (r *Instances) Leave(partition string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	if _, ok := old.index[partition]; !ok {
		return false
	}
	members := make([]Member, 0, len(old.members)-1)
	for _, m := range old.members {
		if m.Partition != partition {
			members = append(members, m)
		}
	}
	r.publish(old, members)
	return true
}

// publish must be called with mu held.
func (r *Instances) publish(old *Snapshot, members []Member) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].Partition < members[j].Partition
	})
	index := make(map[string]int, len(members))
	for i, m := range members {
		index[m.Partition] = i
	}
	r.current.Store(&Snapshot{
		version: old.version + 1,
		members: members,
		index:   index,
	})
}
