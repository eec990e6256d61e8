package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

// BinaryCoder is the default length-prefixed encoding described in the package doc.
type BinaryCoder struct {
	limits Limits
}

func NewBinaryCoder(limits Limits) *BinaryCoder {
	return &BinaryCoder{limits: limits}
}

func (c *BinaryCoder) Type() CoderType {
	return CoderTypeBinary
}

func (c *BinaryCoder) Encode(msg *ChannelMessage) ([]byte, error) {
	if msg == nil {
		return nil, framingError(ErrLengthMismatch, "nil message")
	}
	keys := msg.sortedKeys()
	if len(keys) > int(^uint16(0)) {
		return nil, framingError(ErrTooLarge, "%d metadata entries", len(keys))
	}

	// Size the metadata block first so the whole frame is one allocation
	metaLen := 2
	for _, k := range keys {
		if k == "" {
			return nil, framingError(ErrEmptyKey, "")
		}
		if len(k) > int(^uint16(0)) {
			return nil, framingError(ErrTooLarge, "metadata key of %d bytes", len(k))
		}
		metaLen += 2 + len(k) + 4 + len(msg.metadata[k])
	}
	if uint64(metaLen) > uint64(c.limits.MaxMetadataBytes) {
		return nil, framingError(ErrTooLarge, "metadata block of %d bytes", metaLen)
	}
	if uint64(len(msg.data)) > uint64(c.limits.MaxDataBytes) {
		return nil, framingError(ErrTooLarge, "data block of %d bytes", len(msg.data))
	}

	buf := make([]byte, HeaderSize+metaLen+len(msg.data))
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[3] = Version
	binary.BigEndian.PutUint32(buf[4:8], uint32(metaLen))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(msg.data)))

	offset := HeaderSize
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(keys)))
	offset += 2
	for _, k := range keys {
		v := msg.metadata[k]
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(k)))
		offset += 2
		offset += copy(buf[offset:], k)
		binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(v)))
		offset += 4
		offset += copy(buf[offset:], v)
	}
	copy(buf[offset:], msg.data)

	// Checksum covers everything after the header
	binary.BigEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(buf[HeaderSize:]))
	return buf, nil
}

func (c *BinaryCoder) Decode(data []byte) (*ChannelMessage, error) {
	// Step 1: fixed header
	if len(data) < HeaderSize {
		return nil, framingError(ErrShortHeader, "got %d bytes", len(data))
	}
	if data[0] != MagicByte1 || data[1] != MagicByte2 || data[2] != MagicByte3 {
		return nil, framingError(ErrInvalidMagic, "%x", data[0:3])
	}
	if data[3] != Version {
		return nil, framingError(ErrUnsupportedVersion, "%d", data[3])
	}
	metaLen := binary.BigEndian.Uint32(data[4:8])
	dataLen := binary.BigEndian.Uint32(data[8:12])
	sum := binary.BigEndian.Uint32(data[12:16])

	// Step 2: lengths against limits and the buffer we actually have
	if metaLen > c.limits.MaxMetadataBytes || dataLen > c.limits.MaxDataBytes {
		return nil, framingError(ErrTooLarge, "metadata=%d data=%d", metaLen, dataLen)
	}
	if uint64(len(data)) != uint64(HeaderSize)+uint64(metaLen)+uint64(dataLen) {
		return nil, framingError(ErrLengthMismatch, "header announces %d+%d bytes, frame has %d",
			metaLen, dataLen, len(data)-HeaderSize)
	}
	if crc32.ChecksumIEEE(data[HeaderSize:]) != sum {
		return nil, framingError(ErrChecksumMismatch, "")
	}

	// Step 3: metadata block
	metadata, err := decodeMetadata(data[HeaderSize : HeaderSize+int(metaLen)])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, dataLen)
	copy(payload, data[HeaderSize+int(metaLen):])
	return &ChannelMessage{metadata: metadata, data: payload}, nil
}

func decodeMetadata(block []byte) (map[string]string, error) {
	if len(block) < 2 {
		return nil, framingError(ErrTruncated, "missing entry count")
	}
	count := int(binary.BigEndian.Uint16(block[0:2]))
	metadata := make(map[string]string, count)
	offset := 2
	for i := 0; i < count; i++ {
		if len(block)-offset < 2 {
			return nil, framingError(ErrTruncated, "entry %d key length", i)
		}
		keyLen := int(binary.BigEndian.Uint16(block[offset : offset+2]))
		offset += 2
		if keyLen == 0 {
			return nil, framingError(ErrEmptyKey, "entry %d", i)
		}
		if len(block)-offset < keyLen+4 {
			return nil, framingError(ErrTruncated, "entry %d key", i)
		}
		key := string(block[offset : offset+keyLen])
		offset += keyLen
		valueLen := binary.BigEndian.Uint32(block[offset : offset+4])
		offset += 4
		if uint64(len(block)-offset) < uint64(valueLen) {
			return nil, framingError(ErrTruncated, "entry %d value", i)
		}
		if _, dup := metadata[key]; dup {
			return nil, framingError(ErrDuplicateKey, "%q", key)
		}
		metadata[key] = string(block[offset : offset+int(valueLen)])
		offset += int(valueLen)
	}
	if offset != len(block) {
		return nil, framingError(ErrLengthMismatch, "%d trailing metadata bytes", len(block)-offset)
	}
	return metadata, nil
}
