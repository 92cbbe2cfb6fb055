// Package protocol implements the RDT2.1 wire format: a fixed 32-byte
// header plus payload, integrity-checked with CRC32.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// PacketType identifies the role of a packet in the handshake/data/
// termination exchange.
type PacketType uint8

const (
	PacketTypeSyn    PacketType = 1
	PacketTypeSynAck PacketType = 2
	PacketTypeData   PacketType = 3
	PacketTypeAck    PacketType = 4
	PacketTypeFin    PacketType = 5
	PacketTypeFinAck PacketType = 6
	PacketTypeErr    PacketType = 7
)

// Flags is a bitmask carried in every packet header.
type Flags uint8

const (
	FlagResume   Flags = 0x01
	FlagEOF      Flags = 0x02
	FlagResumeOK Flags = 0x04
	FlagMetaJSON Flags = 0x08
)

var magic = [2]byte{0xCA, 0xFE}

const (
	// Version is the only wire format version this implementation speaks.
	Version = 1

	// HeaderLen is fixed for version 1: magic(2) version(1) type(1) flags(1)
	// hlen(1) file_id(8) seq(4) ack(4) chunk_id(4) payload_len(2) checksum(4).
	HeaderLen = 2 + 1 + 1 + 1 + 1 + 8 + 4 + 4 + 4 + 2 + 4

	// MaxPayload is the largest payload_len the 16-bit field can encode,
	// minus headroom so header+payload never overflows a 16-bit length.
	MaxPayload = 65503
)

// Packet is a decoded RDT2.1 datagram.
type Packet struct {
	Version    uint8
	Type       PacketType
	Flags      Flags
	FileID     uint64
	Seq        uint32
	Ack        uint32
	ChunkID    uint32
	Payload    []byte
}

// Encode serializes p into a wire datagram, computing and filling in the
// CRC32 checksum over the header (with the checksum field zeroed) and the
// payload. The version byte is always written as Version, whatever
// p.Version holds.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, errors.New("protocol: payload too large")
	}

	buf := make([]byte, HeaderLen+len(p.Payload))
	writeHeader(buf, p, 0)
	copy(buf[HeaderLen:], p.Payload)

	checksum := crc32.ChecksumIEEE(buf)
	binary.BigEndian.PutUint32(buf[HeaderLen-4:HeaderLen], checksum)

	return buf, nil
}

// writeHeader writes the 32-byte header into buf[:HeaderLen], with the
// checksum field set to checksum (callers pass 0 before computing CRC32).
func writeHeader(buf []byte, p *Packet, checksum uint32) {
	buf[0], buf[1] = magic[0], magic[1]
	buf[2] = Version
	buf[3] = byte(p.Type)
	buf[4] = byte(p.Flags)
	buf[5] = HeaderLen
	binary.BigEndian.PutUint64(buf[6:14], p.FileID)
	binary.BigEndian.PutUint32(buf[14:18], p.Seq)
	binary.BigEndian.PutUint32(buf[18:22], p.Ack)
	binary.BigEndian.PutUint32(buf[22:26], p.ChunkID)
	binary.BigEndian.PutUint16(buf[26:28], uint16(len(p.Payload)))
	binary.BigEndian.PutUint32(buf[28:32], checksum)
}

// Decode parses a raw datagram into a Packet and verifies its checksum.
// ok is false when the buffer is too short, the magic/version/hlen static
// fields don't match, or the CRC32 disagrees; in all such cases the
// returned packet is unusable and should be discarded by the caller.
func Decode(data []byte) (pkt Packet, ok bool) {
	if len(data) < HeaderLen {
		return Packet{}, false
	}
	if data[0] != magic[0] || data[1] != magic[1] {
		return Packet{}, false
	}
	version := data[2]
	if version != Version {
		return Packet{}, false
	}
	hlen := data[5]
	if hlen != HeaderLen {
		return Packet{}, false
	}

	payloadLen := int(binary.BigEndian.Uint16(data[26:28]))
	rest := data[HeaderLen:]
	if payloadLen > len(rest) {
		// Decoded payload_len claims more than the buffer holds; treat as
		// corrupt rather than slicing past the end of the buffer.
		return Packet{}, false
	}
	payload := rest[:payloadLen]

	checksum := binary.BigEndian.Uint32(data[28:32])

	check := make([]byte, HeaderLen+len(payload))
	p := Packet{
		Version: version,
		Type:    PacketType(data[3]),
		Flags:   Flags(data[4]),
		FileID:  binary.BigEndian.Uint64(data[6:14]),
		Seq:     binary.BigEndian.Uint32(data[14:18]),
		Ack:     binary.BigEndian.Uint32(data[18:22]),
		ChunkID: binary.BigEndian.Uint32(data[22:26]),
		Payload: payload,
	}
	writeHeader(check, &p, 0)
	copy(check[HeaderLen:], payload)

	if crc32.ChecksumIEEE(check) != checksum {
		return Packet{}, false
	}
	return p, true
}

// HasFlag reports whether f is set in p's flags.
func (p *Packet) HasFlag(f Flags) bool {
	return p.Flags&f != 0
}

// FileIDOffset is the byte offset of the file_id field within an encoded
// packet, per spec: after magic(2)+version(1)+type(1)+flags(1)+hlen(1).
const FileIDOffset = 6

// ExtractFileID reads the file_id field directly out of a raw datagram
// without a full decode/checksum pass, for use by components (the link
// emulator) that only need to route on identity and must not pay for — or
// be blocked by — full packet validation.
func ExtractFileID(data []byte) (uint64, bool) {
	if len(data) < FileIDOffset+8 {
		return 0, false
	}
	if data[0] != magic[0] || data[1] != magic[1] {
		return 0, false
	}
	return binary.BigEndian.Uint64(data[FileIDOffset : FileIDOffset+8]), true
}

// EqualPayload reports whether two payload byte slices are identical.
func EqualPayload(a, b []byte) bool {
	return bytes.Equal(a, b)
}
