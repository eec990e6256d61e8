package operation

import (
	"cloudlet-rpc/codec"
)

const (
	OpKVAdd     = "ADD"
	OpKVAppend  = "APPEND"
	OpKVCAS     = "CAS"
	OpKVDelete  = "DELETE"
	OpKVGet     = "GET"
	OpKVGetBulk = "GET_BULK"
	OpKVList    = "LIST"
	OpKVPrepend = "PREPEND"
	OpKVReplace = "REPLACE"
	OpKVSet     = "SET"
)

// KVKey names one key.
type KVKey struct {
	Key string `json:"key"`
}

// KVWrite is the input of SET, ADD, REPLACE, APPEND and PREPEND.
type KVWrite struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// KVCompareAndSwap stores Value only if the key is still at Version.
type KVCompareAndSwap struct {
	Key     string `json:"key"`
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
}

type KVKeys struct {
	Keys []string `json:"keys"`
}

type KVPrefix struct {
	Prefix string `json:"prefix"`
}

// KVEntry is one stored value. Version grows on every write to the key.
type KVEntry struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Version uint64 `json:"version"`
	Found   bool   `json:"found"`
}

type KVEntries struct {
	Entries []KVEntry `json:"entries"`
}

// KVStored reports whether a conditional write or delete took effect.
type KVStored struct {
	Stored  bool   `json:"stored"`
	Version uint64 `json:"version,omitempty"`
}

var (
	KVAdd     = pair("kv", OpKVAdd, codec.JSON[KVWrite](), codec.JSON[KVStored]())
	KVAppend  = pair("kv", OpKVAppend, codec.JSON[KVWrite](), codec.JSON[KVStored]())
	KVCAS     = pair("kv", OpKVCAS, codec.JSON[KVCompareAndSwap](), codec.JSON[KVStored]())
	KVDelete  = pair("kv", OpKVDelete, codec.JSON[KVKey](), codec.JSON[KVStored]())
	KVGet     = pair("kv", OpKVGet, codec.JSON[KVKey](), codec.JSON[KVEntry]())
	KVGetBulk = pair("kv", OpKVGetBulk, codec.JSON[KVKeys](), codec.JSON[KVEntries]())
	KVList    = pair("kv", OpKVList, codec.JSON[KVPrefix](), codec.JSON[KVKeys]())
	KVPrepend = pair("kv", OpKVPrepend, codec.JSON[KVWrite](), codec.JSON[KVStored]())
	KVReplace = pair("kv", OpKVReplace, codec.JSON[KVWrite](), codec.JSON[KVStored]())
	KVSet     = pair("kv", OpKVSet, codec.JSON[KVWrite](), codec.JSON[KVStored]())

	// KV is the key-value driver protocol.
	KV = driverProtocol("kv", "1", []Pair{
		KVAdd, KVAppend, KVCAS, KVDelete, KVGet, KVGetBulk, KVList, KVPrepend, KVReplace, KVSet,
	})
)

// KVOperations lists the key-value operations in protocol order.
func KVOperations() []string {
	return []string{OpKVAdd, OpKVAppend, OpKVCAS, OpKVDelete, OpKVGet, OpKVGetBulk, OpKVList, OpKVPrepend, OpKVReplace, OpKVSet}
}

