package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"cloudlet-rpc/logging"
)

// DefaultPrefix is the etcd key space drivers register under:
//
//	Key:   /cloudlet/drivers/{kind}/{addr}
//	Value: JSON-encoded DriverInstance
const DefaultPrefix = "/cloudlet/drivers/"

// EtcdRegistry keeps driver instances in etcd. Registration is lease based: if a driver
// crashes, the lease expires and the entry disappears.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	owned  bool // client was created here and is closed with the registry
	logger logrus.FieldLogger

	mu     sync.Mutex
	leases map[string]registration // key -> lease held by this process
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

type EtcdOption func(*EtcdRegistry)

func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = prefix }
}

func WithLogger(l logrus.FieldLogger) EtcdOption {
	return func(r *EtcdRegistry) { r.logger = l }
}

// NewEtcdRegistry connects to endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	r := NewEtcdRegistryFromClient(c, opts...)
	r.owned = true
	return r, nil
}

// NewEtcdRegistryFromClient shares an existing client, e.g. with config.EtcdResolver.
func NewEtcdRegistryFromClient(c *clientv3.Client, opts ...EtcdOption) *EtcdRegistry {
	r := &EtcdRegistry{
		client: c,
		prefix: DefaultPrefix,
		logger: logging.Discard(),
		leases: make(map[string]registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *EtcdRegistry) kindPrefix(kind string) string {
	return r.prefix + kind + "/"
}

func (r *EtcdRegistry) key(kind, addr string) string {
	return r.kindPrefix(kind) + addr
}

// Register stores instance under a fresh lease and keeps the lease alive in the background
// until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, instance DriverInstance, ttl int64) error {
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := r.key(instance.Kind, instance.Addr)

	if ttl <= 0 {
		_, err = r.client.Put(ctx, key, string(val))
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// the keepalive must outlive the caller's ctx
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.WithField("key", key).Debug("lease keepalive stopped")
	}()

	r.mu.Lock()
	if prev, ok := r.leases[key]; ok {
		prev.cancel()
	}
	r.leases[key] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()
	return nil
}

// Deregister removes the instance and revokes its lease. Called on graceful shutdown.
func (r *EtcdRegistry) Deregister(ctx context.Context, kind, addr string) error {
	key := r.key(kind, addr)
	r.mu.Lock()
	reg, held := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if held {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.logger.WithError(err).WithField("key", key).Warn("revoke lease")
		}
	}
	_, err := r.client.Delete(ctx, key)
	return err
}

// Discover returns the instances of kind currently registered.
func (r *EtcdRegistry) Discover(ctx context.Context, kind string) ([]DriverInstance, error) {
	resp, err := r.client.Get(ctx, r.kindPrefix(kind), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", kind, err)
	}
	instances := make([]DriverInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance DriverInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.WithField("key", string(kv.Key)).WithError(err).Warn("skipping malformed registry entry")
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the full list on every change under the kind prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, kind string) <-chan []DriverInstance {
	ch := make(chan []DriverInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, r.kindPrefix(kind), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, kind)
			if err != nil {
				r.logger.WithError(err).Warn("registry watch refresh")
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every keepalive. Entries expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	if r.owned {
		return r.client.Close()
	}
	return nil
}
