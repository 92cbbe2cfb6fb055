// Package handshake defines the JSON payload schemas carried inside SYN and
// SYN-ACK packets. Unlike the teacher's open pkg/models.TransferSession
// (a free-form map of chunk metadata for a parallel multi-stream transfer),
// RDT2.1's variable-schema fields are exactly these two small, tagged
// structures — everything else in the wire format is fixed-width header.
package handshake

import (
	"encoding/json"
	"errors"
	"path/filepath"
)

// SynPayload is the META-JSON payload a sender attaches to its SYN packet.
type SynPayload struct {
	Filename  string `json:"filename"`
	FileSize  int64  `json:"filesize"`
	ChunkSize int64  `json:"chunk_size"`
	SHA256    string `json:"sha256"`
}

// Validate checks the fields a receiver must trust before creating or
// reconciling a session against them.
func (s *SynPayload) Validate() error {
	if s.Filename == "" {
		return errors.New("handshake: filename must not be empty")
	}
	if s.FileSize < 0 {
		return errors.New("handshake: filesize must be non-negative")
	}
	if s.ChunkSize <= 0 {
		return errors.New("handshake: chunk_size must be positive")
	}
	if len(s.SHA256) != 64 {
		return errors.New("handshake: sha256 must be a 64-char hex digest")
	}
	return nil
}

// SafeFilename returns the filename stripped of any path components, so a
// malicious or careless sender cannot direct the receiver to write outside
// its output directory.
func (s *SynPayload) SafeFilename() string {
	return filepath.Base(s.Filename)
}

// EncodeSyn marshals a SynPayload to the UTF-8 JSON bytes carried as a SYN
// packet's payload.
func EncodeSyn(s SynPayload) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSyn parses a SYN packet's payload. Unknown keys are ignored per the
// wire contract; recognized fields are taken as-is without defaulting,
// since this is the sender's authoritative declaration of what it's
// sending.
func DecodeSyn(data []byte) (SynPayload, error) {
	var s SynPayload
	if err := json.Unmarshal(data, &s); err != nil {
		return SynPayload{}, err
	}
	return s, nil
}

// SynAckPayload is the advisory payload a receiver attaches to its SYN-ACK.
type SynAckPayload struct {
	NextChunk uint64 `json:"next_chunk"`
	Message   string `json:"message"`
}

// EncodeSynAck marshals a SynAckPayload.
func EncodeSynAck(s SynAckPayload) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSynAck parses a SYN-ACK payload. A malformed or empty payload
// decodes to NextChunk 0 with no error reported upward — per spec, the
// sender treats parse failure as "start from zero", not as a fatal error.
// The error return exists for symmetry with DecodeSyn and is always nil;
// callers that don't care can discard it with _.
func DecodeSynAck(data []byte) (SynAckPayload, error) {
	var s SynAckPayload
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return SynAckPayload{}, nil
	}
	return s, nil
}
