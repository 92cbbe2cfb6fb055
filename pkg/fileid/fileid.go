// Package fileid derives the content-addressed session identifier used to
// key RDT2.1 transfers: the first 64 bits of the SHA-256 of a file's full
// content, so that a resumed transfer of the same bytes always lands on the
// same identifier regardless of which host or attempt produced it.
package fileid

import (
	"fmt"
	"strconv"
)

// FromHexHash parses the first 16 hex characters (64 bits, big-endian) of a
// hex-encoded SHA-256 digest into a file_id. The digest must be at least 16
// hex characters; a shorter string is a caller bug, not a wire-level error,
// since the hash always comes from crypto/sha256's fixed-size output.
func FromHexHash(hexHash string) (uint64, error) {
	if len(hexHash) < 16 {
		return 0, fmt.Errorf("fileid: hash %q too short to derive a file_id", hexHash)
	}
	id, err := strconv.ParseUint(hexHash[:16], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("fileid: parse %q: %w", hexHash[:16], err)
	}
	return id, nil
}

// String renders a file_id the way the sender and receiver log lines do:
// lowercase, zero-padded hex.
func String(id uint64) string {
	return fmt.Sprintf("%016x", id)
}
