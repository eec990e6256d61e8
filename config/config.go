// Package config resolves component settings by dotted identifier ("driver.listen",
// "connector.call_timeout") from files, the environment or etcd.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resolver looks up the raw string value of a setting.
type Resolver interface {
	Lookup(identifier string) (string, bool)
}

// Value is the set of types a setting can be resolved to.
type Value interface {
	string | bool | int | int64 | float64 | time.Duration
}

// Resolve returns the setting as T, or def when it is unset or cannot be parsed.
func Resolve[T Value](r Resolver, identifier string, def T) T {
	v, err := ResolveE(r, identifier, def)
	if err != nil {
		return def
	}
	return v
}

// ResolveE is Resolve that reports unparsable values. An unset setting is not an error.
func ResolveE[T Value](r Resolver, identifier string, def T) (T, error) {
	if r == nil {
		return def, nil
	}
	raw, ok := r.Lookup(identifier)
	if !ok {
		return def, nil
	}
	raw = strings.TrimSpace(raw)

	out := def
	var err error
	switch p := any(&out).(type) {
	case *string:
		*p = raw
	case *bool:
		*p, err = strconv.ParseBool(raw)
	case *int:
		*p, err = strconv.Atoi(raw)
	case *time.Duration:
		*p, err = parseDuration(raw)
	case *int64:
		*p, err = strconv.ParseInt(raw, 10, 64)
	case *float64:
		*p, err = strconv.ParseFloat(raw, 64)
	}
	if err != nil {
		return def, fmt.Errorf("config: %s=%q: %w", identifier, raw, err)
	}
	return out, nil
}

// parseDuration accepts Go durations ("1.5s") and bare integers as milliseconds.
func parseDuration(raw string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}

// MapResolver serves settings from a flat map.
type MapResolver map[string]string

func (m MapResolver) Lookup(identifier string) (string, bool) {
	v, ok := m[identifier]
	return v, ok
}

// Chain consults resolvers in order; the first one that knows the identifier wins.
func Chain(resolvers ...Resolver) Resolver {
	return chain(resolvers)
}

type chain []Resolver

func (c chain) Lookup(identifier string) (string, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if v, ok := r.Lookup(identifier); ok {
			return v, true
		}
	}
	return "", false
}
