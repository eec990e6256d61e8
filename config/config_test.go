package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFallback(t *testing.T) {
	r := MapResolver{
		"driver.listen":          ":7000",
		"driver.burst":           "20",
		"driver.rate":            "not-a-number",
		"connector.call_timeout": "250",
		"connector.heartbeat":    "5s",
		"queue.auto_declare":     "true",
		"driver.weight":          "2.5",
	}

	assert.Equal(t, ":7000", Resolve(r, "driver.listen", ":0"))
	assert.Equal(t, 20, Resolve(r, "driver.burst", 1))
	assert.Equal(t, 100.0, Resolve(r, "driver.rate", 100.0), "unparsable falls back")
	assert.Equal(t, 250*time.Millisecond, Resolve(r, "connector.call_timeout", time.Second))
	assert.Equal(t, 5*time.Second, Resolve(r, "connector.heartbeat", time.Second))
	assert.True(t, Resolve(r, "queue.auto_declare", false))
	assert.Equal(t, 2.5, Resolve(r, "driver.weight", 1.0))
	assert.Equal(t, int64(9), Resolve(r, "missing", int64(9)))
	assert.Equal(t, "x", Resolve[string](nil, "missing", "x"))

	_, err := ResolveE(r, "driver.rate", 1.0)
	assert.Error(t, err)
	v, err := ResolveE(r, "missing", 3)
	assert.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestChain(t *testing.T) {
	r := Chain(nil, MapResolver{"a": "1"}, MapResolver{"a": "2", "b": "3"})
	assert.Equal(t, 1, Resolve(r, "a", 0))
	assert.Equal(t, 3, Resolve(r, "b", 0))
	_, ok := r.Lookup("c")
	assert.False(t, ok)
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
driver:
  kind: kv
  listen: ":7000"
  burst: 10
  tags: [a, b]
connector:
  call_timeout: 2s
`), 0o644))

	r, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "kv", Resolve(r, "driver.kind", ""))
	assert.Equal(t, ":7000", Resolve(r, "driver.listen", ""))
	assert.Equal(t, 10, Resolve(r, "driver.burst", 0))
	assert.Equal(t, "a,b", Resolve(r, "driver.tags", ""))
	assert.Equal(t, 2*time.Second, Resolve(r, "connector.call_timeout", time.Duration(0)))
	assert.Equal(t, []string{"connector.call_timeout", "driver.burst", "driver.kind", "driver.listen", "driver.tags"}, r.Keys())
}

func TestLoadFileTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driver.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[driver]
kind = "queue"
transport = "ws"

[queue]
exchange = "events"
auto_declare = true
`), 0o644))

	r, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "queue", Resolve(r, "driver.kind", ""))
	assert.Equal(t, "ws", Resolve(r, "driver.transport", "tcp"))
	assert.Equal(t, "events", Resolve(r, "queue.exchange", ""))
	assert.True(t, Resolve(r, "queue.auto_declare", false))
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "driver.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o644))
	_, err = LoadFile(path)
	assert.Error(t, err)

	_, err = ParseYAML([]byte("driver: [unclosed"))
	assert.Error(t, err)
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("CLOUDLET_DRIVER_LISTEN", ":9000")
	t.Setenv("CONNECTOR_CALL_TIMEOUT", "1s")

	assert.Equal(t, ":9000", Resolve(EnvResolver{Prefix: "cloudlet"}, "driver.listen", ""))
	assert.Equal(t, time.Second, Resolve(EnvResolver{}, "connector.call_timeout", time.Duration(0)))
	_, ok := EnvResolver{Prefix: "cloudlet"}.Lookup("driver.kind")
	assert.False(t, ok)
}
