// Package loadbalance picks one replica endpoint of a partition per call.
//
//   - RoundRobin:      replicas of equal capacity
//   - WeightedRandom:  replicas of different capacity, by Endpoint.Weight
package loadbalance

import (
	"errors"
	"fmt"

	"federation-rpc/registry"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer selects the endpoint for the next call. Implementations must be
// safe for concurrent use.
type Balancer interface {
	Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error)
	Name() string
}

// New returns the balancer registered under name: "round-robin" or
// "weighted-random".
func New(name string) (Balancer, error) {
	switch name {
	case "round-robin", "RoundRobin", "":
		return &RoundRobinBalancer{}, nil
	case "weighted-random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	}
	return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
}
