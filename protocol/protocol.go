// Package protocol implements the channel message codec shared by every session.
//
// A ChannelMessage is the unit that crosses a transport: a string→string metadata
// mapping (specification identifier, correlation id, protocol tag, ...) followed by the
// opaque payload produced by the message's payload coder.
//
// Binary frame format (BinaryCoder, big-endian):
//
//	0     3  4        8        12       16
//	┌─────┬──┬────────┬────────┬────────┬────────────────┬──────────────┐
//	│magic│v │metaLen │dataLen │ crc32  │ metadata block │  data bytes  │
//	│ cmc │01│ uint32 │ uint32 │  IEEE  │  metaLen bytes │ dataLen bytes│
//	└─────┴──┴────────┴────────┴────────┴────────────────┴──────────────┘
//
//	metadata block = count uint16, then for each entry sorted by key:
//	                 keyLen uint16 | key | valueLen uint32 | value
//
// Entries are written in key order, so two messages with equal metadata always encode
// to the same bytes no matter how their maps were built.
package protocol

import (
	"bytes"
	"maps"
	"sort"
)

const (
	MagicByte1 byte = 0x63 // 'c'
	MagicByte2 byte = 0x6d // 'm'
	MagicByte3 byte = 0x63 // 'c'
	Version    byte = 0x01
	HeaderSize int  = 16 // 3 (magic) + 1 (version) + 4 (metaLen) + 4 (dataLen) + 4 (crc32)
)

// CoderType selects a channel message encoding.
type CoderType byte

const (
	CoderTypeBinary CoderType = 0
	CoderTypeJSON   CoderType = 1
)

func (t CoderType) String() string {
	switch t {
	case CoderTypeBinary:
		return "binary"
	case CoderTypeJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Coder encodes and decodes channel messages. Encode and Decode are mutual inverses.
type Coder interface {
	Encode(msg *ChannelMessage) ([]byte, error)
	Decode(data []byte) (*ChannelMessage, error)
	Type() CoderType
}

// GetCoder returns the coder for codecType using the default limits.
func GetCoder(codecType CoderType) Coder {
	if codecType == CoderTypeJSON {
		return NewJSONCoder(DefaultLimits())
	}
	return NewBinaryCoder(DefaultLimits())
}

// Limits constrains encode/decode memory use.
type Limits struct {
	MaxMetadataBytes uint32
	MaxDataBytes     uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxMetadataBytes: 64 * 1024,
		MaxDataBytes:     16 * 1024 * 1024,
	}
}

// ChannelMessage is one framed wire unit. It is immutable: the constructor copies its
// inputs and the accessors return copies.
type ChannelMessage struct {
	metadata map[string]string
	data     []byte
}

// NewChannelMessage builds a message from metadata and data. A nil metadata map is
// treated as empty.
func NewChannelMessage(metadata map[string]string, data []byte) *ChannelMessage {
	md := make(map[string]string, len(metadata))
	maps.Copy(md, metadata)
	return &ChannelMessage{
		metadata: md,
		data:     bytes.Clone(data),
	}
}

// Get returns one metadata value.
func (m *ChannelMessage) Get(key string) (string, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// Metadata returns a copy of the metadata mapping.
func (m *ChannelMessage) Metadata() map[string]string {
	return maps.Clone(m.metadata)
}

// Data returns a copy of the payload bytes.
func (m *ChannelMessage) Data() []byte {
	return bytes.Clone(m.data)
}

// DataLen returns the payload length without copying.
func (m *ChannelMessage) DataLen() int {
	return len(m.data)
}

// Equal reports whether both messages carry the same metadata and data.
func (m *ChannelMessage) Equal(other *ChannelMessage) bool {
	if m == nil || other == nil {
		return m == other
	}
	return maps.Equal(m.metadata, other.metadata) && bytes.Equal(m.data, other.data)
}

// sortedKeys returns the metadata keys in encoding order.
func (m *ChannelMessage) sortedKeys() []string {
	keys := make([]string, 0, len(m.metadata))
	for k := range m.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
