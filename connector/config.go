package connector

import (
	"time"

	"cloudlet-rpc/config"
	"cloudlet-rpc/transport"
)

type Config struct {
	CallTimeout time.Duration // 0 disables
	DialTimeout time.Duration
	Heartbeat   time.Duration
	MaxFrame    int
	Balancer    string // loadbalance.ByName
}

func DefaultConfig() Config {
	return Config{
		CallTimeout: 30 * time.Second,
		DialTimeout: 5 * time.Second,
		Heartbeat:   transport.DefaultOptions().Heartbeat,
		MaxFrame:    int(transport.DefaultOptions().MaxFrame),
		Balancer:    "roundrobin",
	}
}

// ConfigFrom resolves the connector.* settings, falling back to DefaultConfig.
func ConfigFrom(r config.Resolver) Config {
	def := DefaultConfig()
	return Config{
		CallTimeout: config.Resolve(r, "connector.call_timeout", def.CallTimeout),
		DialTimeout: config.Resolve(r, "connector.dial_timeout", def.DialTimeout),
		Heartbeat:   config.Resolve(r, "connector.heartbeat", def.Heartbeat),
		MaxFrame:    config.Resolve(r, "connector.max_frame", def.MaxFrame),
		Balancer:    config.Resolve(r, "connector.balancer", def.Balancer),
	}
}

func (c Config) transportOptions() transport.Options {
	return transport.Options{Heartbeat: c.Heartbeat, MaxFrame: uint32(c.MaxFrame)}
}
