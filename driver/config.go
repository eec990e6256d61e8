package driver

import (
	"time"

	"cloudlet-rpc/config"
	"cloudlet-rpc/transport"
)

// Config holds the settings a driver process resolves at start.
type Config struct {
	Kind      string // registry kind; defaults to the protocol name
	Listen    string
	Transport string // transport.NetworkTCP or transport.NetworkWebSocket
	Advertise string // address registered for connectors; defaults to the listener address
	Weight    int

	RegistryTTL    int64 // seconds
	Rate           float64
	Burst          int
	HandlerTimeout time.Duration
	Heartbeat      time.Duration
	MaxFrame       int
}

func DefaultConfig() Config {
	return Config{
		Listen:      ":7000",
		Transport:   transport.NetworkTCP,
		Weight:      1,
		RegistryTTL: 10,
		Heartbeat:   transport.DefaultOptions().Heartbeat,
		MaxFrame:    int(transport.DefaultOptions().MaxFrame),
	}
}

// ConfigFrom resolves the driver.* settings, falling back to DefaultConfig.
func ConfigFrom(r config.Resolver) Config {
	def := DefaultConfig()
	return Config{
		Kind:           config.Resolve(r, "driver.kind", def.Kind),
		Listen:         config.Resolve(r, "driver.listen", def.Listen),
		Transport:      config.Resolve(r, "driver.transport", def.Transport),
		Advertise:      config.Resolve(r, "driver.advertise", def.Advertise),
		Weight:         config.Resolve(r, "driver.weight", def.Weight),
		RegistryTTL:    config.Resolve(r, "driver.registry_ttl", def.RegistryTTL),
		Rate:           config.Resolve(r, "driver.rate", def.Rate),
		Burst:          config.Resolve(r, "driver.burst", def.Burst),
		HandlerTimeout: config.Resolve(r, "driver.handler_timeout", def.HandlerTimeout),
		Heartbeat:      config.Resolve(r, "driver.heartbeat", def.Heartbeat),
		MaxFrame:       config.Resolve(r, "driver.max_frame", def.MaxFrame),
	}
}

func (c Config) TransportOptions() transport.Options {
	return transport.Options{Heartbeat: c.Heartbeat, MaxFrame: uint32(c.MaxFrame)}
}
