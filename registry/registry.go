// Package registry is the driver phonebook: drivers announce where they listen, connectors
// look drivers up by kind.
package registry

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("registry: closed")

// DriverInstance is one running driver.
type DriverInstance struct {
	Addr      string `json:"addr"`
	Kind      string `json:"kind"`                // driver kind, e.g. "kv" or "queue"
	Transport string `json:"transport,omitempty"` // "tcp" (default) or "ws"
	Weight    int    `json:"weight"`              // for weighted load balancing
	Version   string `json:"version"`
}

type Registry interface {
	// Register announces instance. A non-zero ttl (seconds) lets the entry expire if the
	// driver dies without deregistering.
	Register(ctx context.Context, instance DriverInstance, ttl int64) error
	Deregister(ctx context.Context, kind, addr string) error
	Discover(ctx context.Context, kind string) ([]DriverInstance, error)
	// Watch emits the full instance list of kind after every change until ctx ends.
	Watch(ctx context.Context, kind string) <-chan []DriverInstance
	Close() error
}
