package config

import (
	"os"
	"strings"
)

// EnvResolver maps "driver.listen" to $<PREFIX>_DRIVER_LISTEN.
type EnvResolver struct {
	Prefix string
}

func (e EnvResolver) Lookup(identifier string) (string, bool) {
	return os.LookupEnv(e.name(identifier))
}

func (e EnvResolver) name(identifier string) string {
	name := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(identifier))
	if e.Prefix == "" {
		return name
	}
	return strings.ToUpper(e.Prefix) + "_" + name
}
