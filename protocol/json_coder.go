package protocol

import (
	"encoding/json"
)

// JSONCoder encodes channel messages as a JSON object. Data travels base64-encoded.
// Slower and larger than BinaryCoder, but readable when debugging a transport.
type JSONCoder struct {
	limits Limits
}

type jsonFrame struct {
	Version  byte              `json:"v"`
	Metadata map[string]string `json:"metadata"`
	Data     []byte            `json:"data"`
}

func NewJSONCoder(limits Limits) *JSONCoder {
	return &JSONCoder{limits: limits}
}

func (c *JSONCoder) Type() CoderType {
	return CoderTypeJSON
}

func (c *JSONCoder) Encode(msg *ChannelMessage) ([]byte, error) {
	if msg == nil {
		return nil, framingError(ErrLengthMismatch, "nil message")
	}
	if uint64(len(msg.data)) > uint64(c.limits.MaxDataBytes) {
		return nil, framingError(ErrTooLarge, "data block of %d bytes", len(msg.data))
	}
	for k := range msg.metadata {
		if k == "" {
			return nil, framingError(ErrEmptyKey, "")
		}
	}
	// encoding/json writes map keys sorted, which keeps output independent of insertion order
	out, err := json.Marshal(jsonFrame{Version: Version, Metadata: msg.metadata, Data: msg.data})
	if err != nil {
		return nil, framingError(ErrLengthMismatch, "%v", err)
	}
	return out, nil
}

func (c *JSONCoder) Decode(data []byte) (*ChannelMessage, error) {
	if uint64(len(data)) > uint64(c.limits.MaxMetadataBytes)+uint64(c.limits.MaxDataBytes)*2 {
		return nil, framingError(ErrTooLarge, "frame of %d bytes", len(data))
	}
	var frame jsonFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, framingError(ErrTruncated, "%v", err)
	}
	if frame.Version != Version {
		return nil, framingError(ErrUnsupportedVersion, "%d", frame.Version)
	}
	if frame.Metadata == nil {
		frame.Metadata = map[string]string{}
	}
	for k := range frame.Metadata {
		if k == "" {
			return nil, framingError(ErrEmptyKey, "")
		}
	}
	if frame.Data == nil {
		frame.Data = []byte{}
	}
	return &ChannelMessage{metadata: frame.Metadata, data: frame.Data}, nil
}
