package client

import (
	"context"

	"federation-rpc/registry"

	"go.uber.org/zap"
)

// Apply makes the membership of instances match endpoints: partitions that
// appeared are joined, partitions whose replica set changed are replaced,
// and partitions that disappeared are left. Only Remotes of this Client are
// ever left; locally joined instances are not touched.
func (c *Client) Apply(instances *registry.Instances, endpoints []registry.Endpoint) (joined, left []string) {
	var order []string
	byPartition := make(map[string][]registry.Endpoint)
	for _, ep := range endpoints {
		if ep.Partition == "" || ep.Addr == "" {
			continue
		}
		if _, ok := byPartition[ep.Partition]; !ok {
			order = append(order, ep.Partition)
		}
		byPartition[ep.Partition] = append(byPartition[ep.Partition], ep)
	}

	snap := instances.Snapshot()
	for _, partition := range order {
		eps := byPartition[partition]
		if cur, ok := snap.Lookup(partition); ok {
			if r, mine := cur.(*Remote); mine && r.client == c && sameEndpoints(r.endpoints, eps) {
				continue
			}
		}
		if err := instances.Join(partition, c.Remote(partition, eps)); err != nil {
			c.logger.Warn("join failed", zap.String("partition", partition), zap.Error(err))
			continue
		}
		joined = append(joined, partition)
	}

	for _, m := range snap.Members() {
		if _, present := byPartition[m.Partition]; present {
			continue
		}
		if r, mine := m.Instance.(*Remote); mine && r.client == c && instances.Leave(m.Partition) {
			left = append(left, m.Partition)
		}
	}

	if len(joined) > 0 || len(left) > 0 {
		c.logger.Info("membership updated",
			zap.Strings("joined", joined),
			zap.Strings("left", left),
			zap.Uint64("version", instances.Snapshot().Version()))
	}
	return joined, left
}

func sameEndpoints(a, b []registry.Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Addr != y.Addr || x.Weight != y.Weight || x.Version != y.Version || len(x.Coverage) != len(y.Coverage) {
			return false
		}
		for j := range x.Coverage {
			if x.Coverage[j] != y.Coverage[j] {
				return false
			}
		}
	}
	return true
}

// Sync discovers the endpoints of service once and applies them.
func (c *Client) Sync(ctx context.Context, disc registry.Discovery, service string, instances *registry.Instances) error {
	endpoints, err := disc.Discover(ctx, service)
	if err != nil {
		return err
	}
	c.Apply(instances, endpoints)
	return nil
}

// Watch applies every endpoint list disc reports for service until ctx
// ends, and returns ctx.Err().
func (c *Client) Watch(ctx context.Context, disc registry.Discovery, service string, instances *registry.Instances) error {
	for endpoints := range disc.Watch(ctx, service) {
		c.Apply(instances, endpoints)
	}
	return ctx.Err()
}
