package operation

import (
	"cloudlet-rpc/codec"
	"cloudlet-rpc/message"
)

const (
	OpAcquire = "ACQUIRE"
	OpRelease = "RELEASE"
)

// ResourceSpec asks a driver for a resource, e.g. a bucket or a queue.
type ResourceSpec struct {
	Kind   string            `json:"kind"`
	Name   string            `json:"name"`
	Config map[string]string `json:"config,omitempty"`
}

// ResourceDescriptor identifies an acquired resource and where its driver lives. It is
// what a cloudlet keeps and hands back to the connector for every later operation.
type ResourceDescriptor struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Name      string            `json:"name"`
	Driver    string            `json:"driver"`
	Address   string            `json:"address"`
	Transport string            `json:"transport,omitempty"`
	Config    map[string]string `json:"config,omitempty"`
}

var (
	Acquire = pair("resource", OpAcquire, codec.JSON[ResourceSpec](), codec.JSON[ResourceDescriptor]())
	Release = pair("resource", OpRelease, codec.JSON[ResourceDescriptor](), codec.Empty)

	Resource = message.MustProtocol("resource", "1", specs([]Pair{Acquire, Release})...)
)
