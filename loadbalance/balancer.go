// Package loadbalance picks which driver instance serves a connector call.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity drivers
//   - WeightedRandom:  drivers with different capacity
//   - ConsistentHash:  stateful drivers; the same resource always lands on the same instance
package loadbalance

import (
	"errors"
	"fmt"

	"cloudlet-rpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is called before each call whose target was not pinned to an address.
// key is the resource the call addresses; strategies without affinity ignore it.
// Implementations must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.DriverInstance, key string) (*registry.DriverInstance, error)
	Name() string
}

// ByName returns the strategy named by cfg values such as "roundrobin".
func ByName(name string) (Balancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	case "hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
