package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdResolver serves settings stored under an etcd key prefix, one key per identifier:
// "/cloudlet/config/driver.listen". The prefix is loaded once and optionally kept fresh
// with Watch.
type EtcdResolver struct {
	client *clientv3.Client
	prefix string

	mu     sync.RWMutex
	values map[string]string
}

func NewEtcdResolver(ctx context.Context, c *clientv3.Client, prefix string) (*EtcdResolver, error) {
	r := &EtcdResolver{client: c, prefix: prefix, values: make(map[string]string)}
	resp, err := c.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", prefix, err)
	}
	for _, kv := range resp.Kvs {
		r.values[strings.TrimPrefix(string(kv.Key), prefix)] = string(kv.Value)
	}
	return r, nil
}

func (r *EtcdResolver) Lookup(identifier string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[identifier]
	return v, ok
}

// Watch applies changes under the prefix until ctx ends.
func (r *EtcdResolver) Watch(ctx context.Context, logger logrus.FieldLogger) {
	for resp := range r.client.Watch(ctx, r.prefix, clientv3.WithPrefix()) {
		if err := resp.Err(); err != nil {
			logger.WithError(err).Warn("config watch")
			continue
		}
		r.mu.Lock()
		for _, ev := range resp.Events {
			id := strings.TrimPrefix(string(ev.Kv.Key), r.prefix)
			if ev.Type == clientv3.EventTypeDelete {
				delete(r.values, id)
			} else {
				r.values[id] = string(ev.Kv.Value)
			}
			logger.WithField("key", id).Debug("config updated")
		}
		r.mu.Unlock()
	}
}
