package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudlet-rpc/operation"
	"cloudlet-rpc/session"
	"cloudlet-rpc/transport"
)

func write(key, value string) operation.KVWrite {
	return operation.KVWrite{Key: key, Value: []byte(value)}
}

func TestConditionalWrites(t *testing.T) {
	s := NewStore()

	res, err := s.Replace("", write("k", "x"))
	require.NoError(t, err)
	assert.False(t, res.Stored, "replace needs an existing key")

	res, err = s.Add("", write("k", "v1"))
	require.NoError(t, err)
	assert.True(t, res.Stored)
	v1 := res.Version

	res, err = s.Add("", write("k", "other"))
	require.NoError(t, err)
	assert.False(t, res.Stored)
	assert.Equal(t, v1, res.Version)

	_, err = s.Append("", write("k", "-tail"))
	require.NoError(t, err)
	_, err = s.Prepend("", write("k", "head-"))
	require.NoError(t, err)
	got, err := s.Get("", operation.KVKey{Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "head-v1-tail", string(got.Value))
	assert.Greater(t, got.Version, v1)

	res, err = s.Append("", write("missing", "x"))
	require.NoError(t, err)
	assert.False(t, res.Stored)
}

func TestCompareAndSwap(t *testing.T) {
	s := NewStore()

	res, err := s.CompareAndSwap("", operation.KVCompareAndSwap{Key: "k", Value: []byte("a")})
	require.NoError(t, err)
	require.True(t, res.Stored, "version 0 creates")

	stale, err := s.CompareAndSwap("", operation.KVCompareAndSwap{Key: "k", Value: []byte("b"), Version: res.Version + 5})
	require.NoError(t, err)
	assert.False(t, stale.Stored)
	assert.Equal(t, res.Version, stale.Version)

	next, err := s.CompareAndSwap("", operation.KVCompareAndSwap{Key: "k", Value: []byte("b"), Version: res.Version})
	require.NoError(t, err)
	assert.True(t, next.Stored)

	again, err := s.CompareAndSwap("", operation.KVCompareAndSwap{Key: "k", Value: []byte("c")})
	require.NoError(t, err)
	assert.False(t, again.Stored, "version 0 on an existing key")
}

func TestDeleteBulkAndList(t *testing.T) {
	s := NewStore()
	for _, k := range []string{"app/b", "app/a", "sys/x"} {
		_, err := s.Set("", write(k, k))
		require.NoError(t, err)
	}

	keys, err := s.List("", operation.KVPrefix{Prefix: "app/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"app/a", "app/b"}, keys.Keys)

	bulk, err := s.GetBulk("", operation.KVKeys{Keys: []string{"sys/x", "nope"}})
	require.NoError(t, err)
	require.Len(t, bulk.Entries, 2)
	assert.True(t, bulk.Entries[0].Found)
	assert.False(t, bulk.Entries[1].Found)
	assert.Equal(t, "nope", bulk.Entries[1].Key)

	del, err := s.Delete("", operation.KVKey{Key: "sys/x"})
	require.NoError(t, err)
	assert.True(t, del.Stored)
	del, err = s.Delete("", operation.KVKey{Key: "sys/x"})
	require.NoError(t, err)
	assert.False(t, del.Stored)

	_, err = s.Get("", operation.KVKey{})
	assert.Error(t, err)
}

func TestBuckets(t *testing.T) {
	s := NewStore()
	desc := operation.ResourceDescriptor{ID: "bucket-1"}
	_, err := s.Set(desc.ID, write("k", "v"))
	assert.Error(t, err)

	require.NoError(t, s.Acquire(context.Background(), operation.ResourceSpec{}, &desc))
	_, err = s.Set(desc.ID, write("k", "v"))
	require.NoError(t, err)
	got, err := s.Get("", operation.KVKey{Key: "k"})
	require.NoError(t, err)
	assert.False(t, got.Found, "buckets are isolated")

	require.NoError(t, s.Release(context.Background(), desc))
	_, err = s.Get(desc.ID, operation.KVKey{Key: "k"})
	assert.Error(t, err)
}

func TestDriverOverSession(t *testing.T) {
	d, err := New(NewStore())
	require.NoError(t, err)
	a, b := transport.Pipe()
	_, err = d.Attach(b)
	require.NoError(t, err)
	c, err := session.New(a, operation.KV)
	require.NoError(t, err)
	c.Start()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := c.Request(operation.Acquire.Request, "", operation.ResourceSpec{Name: "cache"}).Await(ctx)
	require.NoError(t, err)
	bucket := reply.Payload.(operation.ResourceDescriptor).ID

	_, err = c.Request(operation.KVSet.Request, bucket, write("k1", "v1")).Await(ctx)
	require.NoError(t, err)
	reply, err = c.Request(operation.KVGet.Request, bucket, operation.KVKey{Key: "k1"}).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(reply.Payload.(operation.KVEntry).Value))

	_, err = c.Request(operation.KVGet.Request, "unknown", operation.KVKey{Key: "k1"}).Await(ctx)
	var re *session.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, session.KindNotFound, re.Kind)
}
