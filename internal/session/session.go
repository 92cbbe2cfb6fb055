// Package session implements the receiver-side session state machine and
// its on-disk persistence: one active record per file_id, backed by an
// append-only "<filename>.part" and a rewritten-in-full
// "<filename>.rdtmeta.json" in the receiver's output directory.
//
// This replaces the teacher's internal/session.SessionManager, which keyed
// sessions by a random UUID and persisted a single rich JSON document per
// session (chunk-by-chunk status, byte counters) to a dedicated sessions
// directory. RDT2.1 sessions are keyed by the content-derived file_id and
// need only the handful of fields spec.md's meta file names; the two-file,
// same-directory-as-the-data layout (grounded in original_source/rdtftp/
// receiver.py's _session_paths) is a better fit than a side filestore. The
// atomic temp-file-then-rename write (kept from the teacher's
// saveLocked) and the mutex-guarded in-memory map are carried over as-is.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mseeger/rdtgo/pkg/handshake"
	"github.com/mseeger/rdtgo/pkg/utils"
)

// Meta mirrors spec.md's persisted session metadata exactly.
type Meta struct {
	Filename  string  `json:"filename"`
	FileID    uint64  `json:"file_id"`
	FileSize  int64   `json:"filesize"`
	ChunkSize int64   `json:"chunk_size"`
	SHA256    string  `json:"sha256"`
	NextChunk uint64  `json:"next_chunk"`
	UpdatedAt float64 `json:"updated_at"`
}

// nowFn is overridable by tests that need deterministic backup suffixes.
var nowFn = time.Now

// Store owns every active receiver session in one output directory.
type Store struct {
	mu       sync.Mutex
	outDir   string
	sessions map[uint64]*Meta
}

// NewStore creates a Store rooted at outDir, creating the directory if
// necessary. It does not preload existing .rdtmeta.json files eagerly —
// sessions come back to life lazily, on the next matching SYN, exactly as
// spec.md's finalization/crash-recovery story requires (a stale meta file
// with no .part is simply ignored until a fresh SYN reconciles it).
func NewStore(outDir string) (*Store, error) {
	if outDir == "" {
		return nil, fmt.Errorf("session: output directory must not be empty")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create output dir: %w", err)
	}
	return &Store{
		outDir:   outDir,
		sessions: make(map[uint64]*Meta),
	}, nil
}

func (s *Store) partPath(filename string) string {
	return filepath.Join(s.outDir, filename+".part")
}

func (s *Store) metaPath(filename string) string {
	return filepath.Join(s.outDir, filename+".rdtmeta.json")
}

func (s *Store) finalPath(filename string) string {
	return filepath.Join(s.outDir, filename)
}

// HandleSyn implements spec.md §4.3's "On SYN with META-JSON flag" logic.
// It returns the next_chunk to advertise in the SYN-ACK (which is 0 unless
// the sender requested resume, even though the session's real internal
// progress may be nonzero — spec.md's preserved behavior) and whether
// RESUME-OK should be set.
func (s *Store) HandleSyn(fileID uint64, sp handshake.SynPayload, resumeRequested bool) (advertised uint64, resumeOK bool, err error) {
	filename := sp.SafeFilename()

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadOrInitLocked(fileID, filename, sp)
	if err != nil {
		return 0, false, err
	}
	s.sessions[fileID] = meta

	if err := s.persistLocked(meta); err != nil {
		return 0, false, err
	}

	if resumeRequested {
		return meta.NextChunk, true, nil
	}
	return 0, false, nil
}

// loadOrInitLocked must be called with s.mu held.
func (s *Store) loadOrInitLocked(fileID uint64, filename string, sp handshake.SynPayload) (*Meta, error) {
	metaPath := s.metaPath(filename)
	partPath := s.partPath(filename)

	existing, loaded := loadMeta(metaPath)

	matches := loaded &&
		existing.FileID == fileID &&
		existing.SHA256 == sp.SHA256 &&
		existing.ChunkSize == sp.ChunkSize &&
		existing.FileSize == sp.FileSize

	if matches {
		if info, statErr := os.Stat(partPath); statErr == nil {
			// The file-derived value is authoritative: stop-and-wait never
			// produces holes, so partial_size/chunk_size is ground truth
			// even if the persisted next_chunk disagrees (e.g. a crash
			// between writing the chunk and rewriting meta).
			existing.NextChunk = uint64(info.Size() / sp.ChunkSize)
		} else {
			// No .part (e.g. a crash after finalization renamed it away):
			// the persisted next_chunk has no data behind it.
			existing.NextChunk = 0
		}
		existing.UpdatedAt = epochSeconds()
		return &existing, nil
	}

	// No prior state, or a mismatch: start fresh and back up any stale
	// .part so a same-named-but-different file doesn't get corrupted.
	if _, statErr := os.Stat(partPath); statErr == nil {
		if err := renameAside(partPath); err != nil {
			return nil, err
		}
	}

	return &Meta{
		Filename:  filename,
		FileID:    fileID,
		FileSize:  sp.FileSize,
		ChunkSize: sp.ChunkSize,
		SHA256:    sp.SHA256,
		NextChunk: 0,
		UpdatedAt: epochSeconds(),
	}, nil
}

// HandleData implements spec.md §4.3's "On DATA for a known identifier"
// logic. known reports whether fileID has an active session at all —
// spec.md says DATA for an unknown identifier is simply ignored, so
// callers must check known before sending any ACK.
func (s *Store) HandleData(fileID uint64, chunkID, seq uint32, payload []byte, eof bool) (ackChunk uint32, wrote bool, known bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.sessions[fileID]
	if !ok {
		return 0, false, false, nil
	}

	expected := meta.NextChunk
	if uint64(chunkID) != expected || uint64(seq) != expected {
		ack := uint64(0)
		if expected > 0 {
			ack = expected - 1
		}
		return uint32(ack), false, true, nil
	}

	partPath := s.partPath(meta.Filename)
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, false, true, fmt.Errorf("session: open part file: %w", err)
	}
	_, writeErr := f.Write(payload)
	closeErr := f.Close()
	if writeErr != nil {
		return 0, false, true, fmt.Errorf("session: append chunk: %w", writeErr)
	}
	if closeErr != nil {
		return 0, false, true, fmt.Errorf("session: close part file: %w", closeErr)
	}

	meta.NextChunk = expected + 1
	meta.UpdatedAt = epochSeconds()
	if err := s.persistLocked(meta); err != nil {
		return 0, false, true, err
	}

	_ = eof // finalization is triggered by the caller via Finalize
	return chunkID, true, true, nil
}

// Finalize implements spec.md §4.3's finalization step. done is true only
// when the part file is renamed into place; a size-short part file or a
// hash mismatch both return done=false with a nil error, since neither is
// a fatal condition — the transfer can simply be retried.
func (s *Store) Finalize(fileID uint64) (done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.sessions[fileID]
	if !ok {
		return false, nil
	}

	partPath := s.partPath(meta.Filename)
	info, statErr := os.Stat(partPath)
	if statErr != nil {
		return false, nil
	}
	if info.Size() < meta.FileSize {
		return false, nil
	}

	got, err := utils.HashFileSHA256(partPath)
	if err != nil {
		return false, fmt.Errorf("session: hash part file: %w", err)
	}
	if meta.SHA256 != "" && got != meta.SHA256 {
		return false, nil
	}

	finalPath := s.finalPath(meta.Filename)
	if _, statErr := os.Stat(finalPath); statErr == nil {
		if err := renameAside(finalPath); err != nil {
			return false, err
		}
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		return false, fmt.Errorf("session: rename part to final: %w", err)
	}
	// A crash between this rename and the next leaves a completed file and
	// a stale meta; on next startup a matching SYN re-derives next_chunk
	// from a .part file that no longer exists and starts fresh, which is
	// harmless since the canonical file is already in place.
	_ = os.Remove(s.metaPath(meta.Filename))

	delete(s.sessions, fileID)
	return true, nil
}

// persistLocked must be called with s.mu held. It rewrites the meta file
// in full, atomically, matching the teacher's saveLocked pattern.
func (s *Store) persistLocked(meta *Meta) error {
	path := s.metaPath(meta.Filename)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("session: open temp meta file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		f.Close()
		return fmt.Errorf("session: encode meta: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("session: close temp meta file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("session: rename meta file: %w", err)
	}
	return nil
}

func loadMeta(path string) (Meta, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, false
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, false
	}
	return m, true
}

func renameAside(path string) error {
	backup := fmt.Sprintf("%s.bak_%d", path, nowFn().Unix())
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("session: back up %s: %w", path, err)
	}
	return nil
}

func epochSeconds() float64 {
	return float64(nowFn().UnixNano()) / 1e9
}
