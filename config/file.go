package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// LoadFile reads a YAML (.yaml, .yml) or TOML (.toml) file and flattens nested tables into
// dotted identifiers:
//
//	driver:
//	  listen: ":7000"     ->  driver.listen = ":7000"
func LoadFile(path string) (MapResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".toml":
		return ParseTOML(data)
	}
	return nil, fmt.Errorf("config: unsupported file type %q", filepath.Ext(path))
}

func ParseYAML(data []byte) (MapResolver, error) {
	raw := map[interface{}]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	out := MapResolver{}
	flatten(out, "", raw)
	return out, nil
}

func ParseTOML(data []byte) (MapResolver, error) {
	raw := map[string]interface{}{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("config: parse toml: %w", err)
	}
	out := MapResolver{}
	flatten(out, "", raw)
	return out, nil
}

func flatten(out MapResolver, prefix string, v interface{}) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch t := v.(type) {
	case map[interface{}]interface{}:
		for k, child := range t {
			flatten(out, join(fmt.Sprint(k)), child)
		}
	case map[string]interface{}:
		for k, child := range t {
			flatten(out, join(k), child)
		}
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, fmt.Sprint(item))
		}
		out[prefix] = strings.Join(parts, ",")
	case nil:
	default:
		out[prefix] = fmt.Sprint(t)
	}
}

// Keys lists the identifiers of m in order, for diagnostics.
func (m MapResolver) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
