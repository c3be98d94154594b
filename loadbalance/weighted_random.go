package loadbalance

import (
	"math/rand/v2"

	"federation-rpc/registry"
)

// WeightedRandomBalancer picks endpoints with probability proportional to
// Weight. Endpoints without a positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func weight(ep registry.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}

func (b *WeightedRandomBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	total := 0
	for _, ep := range endpoints {
		total += weight(ep)
	}

	r := rand.IntN(total)
	for i := range endpoints {
		r -= weight(endpoints[i])
		if r < 0 {
			return &endpoints[i], nil
		}
	}
	return &endpoints[len(endpoints)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
