// Package operation declares the protocols spoken between connectors and drivers: the
// key-value and queue operation sets, and the resource ACQUIRE/RELEASE pair every driver
// protocol carries. Each operation maps to one request and one reply specification,
// identified as "<protocol>.<operation>.request" and "<protocol>.<operation>.reply".
package operation

import (
	"strings"

	"cloudlet-rpc/codec"
	"cloudlet-rpc/message"
)

// Pair is the request/reply specifications of one operation.
type Pair struct {
	Request *message.Specification
	Reply   *message.Specification
}

func pair(protocol, op string, request, reply codec.PayloadCoder) Pair {
	prefix := protocol + "." + strings.ToLower(op)
	return Pair{
		Request: &message.Specification{Identifier: prefix + ".request", Type: message.Request, Operation: op, Coder: request},
		Reply:   &message.Specification{Identifier: prefix + ".reply", Type: message.Reply, Operation: op, Coder: reply},
	}
}

func notification(protocol, op string, coder codec.PayloadCoder) *message.Specification {
	return &message.Specification{
		Identifier: protocol + "." + strings.ToLower(op) + ".notification",
		Type:       message.Notification,
		Operation:  op,
		Coder:      coder,
	}
}

func specs(pairs []Pair, extra ...*message.Specification) []*message.Specification {
	out := make([]*message.Specification, 0, 2*len(pairs)+len(extra))
	for _, p := range pairs {
		out = append(out, p.Request, p.Reply)
	}
	return append(out, extra...)
}

// driverProtocol adds the resource operations to a driver's own operations.
func driverProtocol(name, version string, pairs []Pair, extra ...*message.Specification) *message.Protocol {
	own := message.MustProtocol(name, version, specs(pairs, extra...)...)
	merged, err := own.Merge(Resource)
	if err != nil {
		panic(err)
	}
	return merged
}
