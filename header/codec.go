// Package header implements the C2 header codec and C3 header-resolver:
// serializing a StreamBlobHeader through the external serializer.Serializer
// wrapped in a magic/version/checksum/length frame, the fixed binary form
// of a HeaderDefinition, and the primary/fallback/tertiary slot algorithm
// that recovers the last good header across torn writes.
//
// The frame layout (magic, version, CRC32C checksum, length-prefixed
// payload) generalizes a fixed manifest shape to an arbitrary
// serializer.Serializer payload.
package header

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/serializer"
)

const (
	frameMagic   = 0x45565343 // "EVSC"
	frameVersion = 1
)

// frameChecksumTable is the CRC32-Castagnoli table used for frame
// checksums. Castagnoli (not IEEE) because it's what the AWS/Azure/GCP
// object-storage SDKs already checksum page blob bodies with, so a frame
// corrupted in transit and one corrupted at rest are detected the same
// way.
var frameChecksumTable = crc32.MakeTable(crc32.Castagnoli)

func frameChecksum(payload []byte) uint32 {
	return crc32.Checksum(payload, frameChecksumTable)
}

// ErrInvalidHeaderData is returned when a header frame fails to parse:
// bad magic, unsupported version, checksum mismatch, or truncation.
var ErrInvalidHeaderData = errors.New("header: invalid header data")

// EncodeHeader serializes h with s and wraps the result in the fixed
// magic/version/checksum/length frame.
func EncodeHeader(s serializer.Serializer, h model.StreamBlobHeader) ([]byte, error) {
	if s == nil {
		s = serializer.Default
	}

	payload, err := s.Serialize(wireHeader{
		SerializerName: s.Name(),
		Header:         h,
	})
	if err != nil {
		return nil, fmt.Errorf("header: serialize: %w", err)
	}

	frame := make([]byte, 16, 16+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], frameMagic)
	binary.LittleEndian.PutUint32(frame[4:8], frameVersion)
	binary.LittleEndian.PutUint32(frame[8:12], frameChecksum(payload))
	binary.LittleEndian.PutUint32(frame[12:16], uint32(len(payload)))
	frame = append(frame, payload...)
	return frame, nil
}

// DecodeHeader parses a frame produced by EncodeHeader. The payload is
// decoded with the serializer named inside it (looked up with
// serializer.ByName), not with serializer.Default.
func DecodeHeader(data []byte) (model.StreamBlobHeader, error) {
	if len(data) < 16 {
		return model.StreamBlobHeader{}, fmt.Errorf("%w: frame too short (%d bytes)", ErrInvalidHeaderData, len(data))
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != frameMagic {
		return model.StreamBlobHeader{}, fmt.Errorf("%w: bad magic %x", ErrInvalidHeaderData, magic)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != frameVersion {
		return model.StreamBlobHeader{}, fmt.Errorf("%w: unsupported frame version %d", ErrInvalidHeaderData, version)
	}
	checksum := binary.LittleEndian.Uint32(data[8:12])
	length := binary.LittleEndian.Uint32(data[12:16])

	if uint32(len(data)-16) < length {
		return model.StreamBlobHeader{}, fmt.Errorf("%w: truncated payload (want %d, have %d)", ErrInvalidHeaderData, length, len(data)-16)
	}
	payload := data[16 : 16+length]

	if frameChecksum(payload) != checksum {
		return model.StreamBlobHeader{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidHeaderData)
	}

	// The serializer name is stored alongside the header as the first
	// field of wireHeader, but we must know which serializer produced
	// the payload before we can decode it. Peel it off with the
	// self-describing probe below.
	name, err := peekSerializerName(payload)
	if err != nil {
		return model.StreamBlobHeader{}, fmt.Errorf("%w: %v", ErrInvalidHeaderData, err)
	}
	s, ok := serializer.ByName(name)
	if !ok {
		return model.StreamBlobHeader{}, fmt.Errorf("%w: unknown serializer %q", ErrInvalidHeaderData, name)
	}

	var wh wireHeader
	if err := s.Deserialize(payload, &wh); err != nil {
		return model.StreamBlobHeader{}, fmt.Errorf("%w: %v", ErrInvalidHeaderData, err)
	}
	return wh.Header, nil
}

// wireHeader is what actually gets handed to the Serializer: the header
// plus the name of the serializer that produced it, so DecodeHeader can
// select the matching serializer by name rather than assuming Default.
type wireHeader struct {
	SerializerName string                 `json:"serializer"`
	Header         model.StreamBlobHeader `json:"header"`
}

// peekSerializerName extracts the "serializer" field from a JSON-shaped
// payload without fully decoding it, so DecodeHeader can pick the right
// Serializer before attempting the real decode. Both built-in serializers
// (JSON and GoJSON) produce this shape.
func peekSerializerName(payload []byte) (string, error) {
	var probe struct {
		SerializerName string `json:"serializer"`
	}
	if err := (serializer.JSON{}).Deserialize(payload, &probe); err != nil {
		return "", err
	}
	if probe.SerializerName == "" {
		return "", fmt.Errorf("missing serializer name")
	}
	return probe.SerializerName, nil
}

// EncodeHeaderDefinition renders a HeaderDefinition as little-endian
// u64 offset || u32 size, then base64. Round-trip law:
// DecodeHeaderDefinition(EncodeHeaderDefinition(d)) == d.
func EncodeHeaderDefinition(d model.HeaderDefinition) string {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[0:8], d.HeaderStartOffsetBytes)
	binary.LittleEndian.PutUint32(buf[8:12], d.HeaderSizeBytes)
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeHeaderDefinition parses the base64 form produced by
// EncodeHeaderDefinition.
func DecodeHeaderDefinition(s string) (model.HeaderDefinition, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return model.HeaderDefinition{}, fmt.Errorf("%w: bad base64: %v", ErrInvalidHeaderData, err)
	}
	if len(buf) != 12 {
		return model.HeaderDefinition{}, fmt.Errorf("%w: expected 12 bytes, got %d", ErrInvalidHeaderData, len(buf))
	}
	return model.HeaderDefinition{
		HeaderStartOffsetBytes: binary.LittleEndian.Uint64(buf[0:8]),
		HeaderSizeBytes:        binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}
