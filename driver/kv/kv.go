// Package kv is the in-memory key-value driver. Every acquired resource is a bucket;
// requests without a resource use the default bucket.
package kv

import (
	"context"
	"sort"
	"strings"
	"sync"

	"cloudlet-rpc/driver"
	"cloudlet-rpc/message"
	"cloudlet-rpc/operation"
	"cloudlet-rpc/session"
)

type entry struct {
	value   []byte
	version uint64
}

// Store holds the buckets.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string]entry
	version uint64
}

func NewStore() *Store {
	return &Store{buckets: map[string]map[string]entry{"": {}}}
}

// Acquire creates the resource's bucket.
func (s *Store) Acquire(_ context.Context, _ operation.ResourceSpec, desc *operation.ResourceDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[desc.ID]; !ok {
		s.buckets[desc.ID] = make(map[string]entry)
	}
	return nil
}

// Release drops the resource's bucket and its keys.
func (s *Store) Release(_ context.Context, desc operation.ResourceDescriptor) error {
	s.mu.Lock()
	delete(s.buckets, desc.ID)
	s.mu.Unlock()
	return nil
}

func (s *Store) bucket(resource string) (map[string]entry, error) {
	b, ok := s.buckets[resource]
	if !ok {
		return nil, driver.Errorf(session.KindNotFound, "kv: no bucket %q", resource)
	}
	return b, nil
}

func requireKey(key string) error {
	if key == "" {
		return driver.Errorf(session.KindHandler, "kv: missing key")
	}
	return nil
}

type writeMode int

const (
	modeSet writeMode = iota
	modeAdd
	modeReplace
	modeAppend
	modePrepend
)

// write applies one of the unconditional or presence-conditional writes.
func (s *Store) write(resource string, w operation.KVWrite, mode writeMode) (operation.KVStored, error) {
	if err := requireKey(w.Key); err != nil {
		return operation.KVStored{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.bucket(resource)
	if err != nil {
		return operation.KVStored{}, err
	}
	old, exists := b[w.Key]
	value := w.Value
	switch mode {
	case modeAdd:
		if exists {
			return operation.KVStored{Version: old.version}, nil
		}
	case modeReplace:
		if !exists {
			return operation.KVStored{}, nil
		}
	case modeAppend:
		if !exists {
			return operation.KVStored{}, nil
		}
		value = append(append([]byte{}, old.value...), w.Value...)
	case modePrepend:
		if !exists {
			return operation.KVStored{}, nil
		}
		value = append(append([]byte{}, w.Value...), old.value...)
	}
	return s.store(b, w.Key, value), nil
}

// store must be called with mu held.
func (s *Store) store(b map[string]entry, key string, value []byte) operation.KVStored {
	s.version++
	b[key] = entry{value: append([]byte{}, value...), version: s.version}
	return operation.KVStored{Stored: true, Version: s.version}
}

func (s *Store) Set(resource string, w operation.KVWrite) (operation.KVStored, error) {
	return s.write(resource, w, modeSet)
}

// Add stores only if the key is absent.
func (s *Store) Add(resource string, w operation.KVWrite) (operation.KVStored, error) {
	return s.write(resource, w, modeAdd)
}

// Replace stores only if the key is present.
func (s *Store) Replace(resource string, w operation.KVWrite) (operation.KVStored, error) {
	return s.write(resource, w, modeReplace)
}

func (s *Store) Append(resource string, w operation.KVWrite) (operation.KVStored, error) {
	return s.write(resource, w, modeAppend)
}

func (s *Store) Prepend(resource string, w operation.KVWrite) (operation.KVStored, error) {
	return s.write(resource, w, modePrepend)
}

// CompareAndSwap stores only if the key is still at the given version. Version 0 means the
// key must not exist yet.
func (s *Store) CompareAndSwap(resource string, c operation.KVCompareAndSwap) (operation.KVStored, error) {
	if err := requireKey(c.Key); err != nil {
		return operation.KVStored{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.bucket(resource)
	if err != nil {
		return operation.KVStored{}, err
	}
	old, exists := b[c.Key]
	if (!exists && c.Version != 0) || (exists && old.version != c.Version) {
		return operation.KVStored{Version: old.version}, nil
	}
	return s.store(b, c.Key, c.Value), nil
}

func (s *Store) Delete(resource string, k operation.KVKey) (operation.KVStored, error) {
	if err := requireKey(k.Key); err != nil {
		return operation.KVStored{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.bucket(resource)
	if err != nil {
		return operation.KVStored{}, err
	}
	old, exists := b[k.Key]
	delete(b, k.Key)
	return operation.KVStored{Stored: exists, Version: old.version}, nil
}

func (s *Store) Get(resource string, k operation.KVKey) (operation.KVEntry, error) {
	if err := requireKey(k.Key); err != nil {
		return operation.KVEntry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.bucket(resource)
	if err != nil {
		return operation.KVEntry{}, err
	}
	return lookup(b, k.Key), nil
}

func lookup(b map[string]entry, key string) operation.KVEntry {
	e, ok := b[key]
	if !ok {
		return operation.KVEntry{Key: key}
	}
	return operation.KVEntry{Key: key, Value: append([]byte{}, e.value...), Version: e.version, Found: true}
}

// GetBulk returns one entry per requested key, in request order.
func (s *Store) GetBulk(resource string, keys operation.KVKeys) (operation.KVEntries, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.bucket(resource)
	if err != nil {
		return operation.KVEntries{}, err
	}
	out := operation.KVEntries{Entries: make([]operation.KVEntry, 0, len(keys.Keys))}
	for _, k := range keys.Keys {
		out.Entries = append(out.Entries, lookup(b, k))
	}
	return out, nil
}

// List returns the sorted keys starting with prefix.
func (s *Store) List(resource string, p operation.KVPrefix) (operation.KVKeys, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.bucket(resource)
	if err != nil {
		return operation.KVKeys{}, err
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		if strings.HasPrefix(k, p.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return operation.KVKeys{Keys: keys}, nil
}

// handler adapts a typed store operation to a driver handler.
func handler[I, O any](fn func(resource string, in I) (O, error)) func(context.Context, *message.Message) *message.Outcome {
	return func(_ context.Context, req *message.Message) *message.Outcome {
		in, err := driver.Payload[I](req.Payload)
		if err != nil {
			return message.Failure(err)
		}
		out, err := fn(req.Resource, in)
		if err != nil {
			return message.Failure(err)
		}
		return message.Success(out)
	}
}

// New returns a driver serving s over the key-value protocol.
func New(s *Store, opts ...driver.Option) (*driver.Driver, error) {
	d := driver.New(operation.KV, append([]driver.Option{driver.WithResourceHooks(s)}, opts...)...)
	handlers := map[string]func(context.Context, *message.Message) *message.Outcome{
		operation.OpKVAdd:     handler(s.Add),
		operation.OpKVAppend:  handler(s.Append),
		operation.OpKVCAS:     handler(s.CompareAndSwap),
		operation.OpKVDelete:  handler(s.Delete),
		operation.OpKVGet:     handler(s.Get),
		operation.OpKVGetBulk: handler(s.GetBulk),
		operation.OpKVList:    handler(s.List),
		operation.OpKVPrepend: handler(s.Prepend),
		operation.OpKVReplace: handler(s.Replace),
		operation.OpKVSet:     handler(s.Set),
	}
	for op, h := range handlers {
		if err := d.Handle(op, h); err != nil {
			return nil, err
		}
	}
	return d, nil
}
