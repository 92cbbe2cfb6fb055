// Package sendflow runs the sender side of an RDT2.1 transfer: a single
// outstanding packet at a time, each retransmitted on an adaptively tuned
// timeout until acknowledged, terminated by a FIN/FIN-ACK handshake.
//
// This replaces the teacher's internal/transport.UDPSender, which only
// fire-and-forget wrote DATA packets and left reliability to a higher layer
// that was never built for UDP; the send-and-wait retry loop and adaptive
// RTO here are grounded on original_source/rdtftp/sender.py's
// _send_and_wait/_update_rto.
package sendflow

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/mseeger/rdtgo/internal/metrics"
	"github.com/mseeger/rdtgo/internal/rto"
	"github.com/mseeger/rdtgo/pkg/fileid"
	"github.com/mseeger/rdtgo/pkg/handshake"
	"github.com/mseeger/rdtgo/pkg/protocol"
	"github.com/mseeger/rdtgo/pkg/utils"
)

// ErrMaxRetriesExceeded is returned when a single packet exhausts its retry
// budget without an acknowledgment.
type ErrMaxRetriesExceeded struct {
	PacketType protocol.PacketType
	Seq        uint32
	Retries    int
}

func (e *ErrMaxRetriesExceeded) Error() string {
	return fmt.Sprintf("sendflow: retry limit (%d) exceeded for type=%v seq=%d", e.Retries, e.PacketType, e.Seq)
}

// Config configures a Sender.
type Config struct {
	ServerAddr string // host:port of the receiver
	ChunkSize  int64

	RTOInit, RTOMin, RTOMax time.Duration
	MaxRetries              int

	// Resume requests the receiver advertise its stored progress via
	// RESUME-OK/next_chunk instead of starting at chunk 0.
	Resume bool

	Metrics *metrics.Collector
	Logger  *log.Logger

	// OnProgress, if set, is called after every acknowledged chunk of a
	// non-empty file. It is not called after FIN-ACK.
	OnProgress func(chunkID, totalChunks uint64, rto time.Duration)
}

// Sender drives one file transfer to completion over a dedicated UDP
// socket connected to a single receiver.
type Sender struct {
	cfg  Config
	conn *net.UDPConn
	rtoC *rto.Controller
	log  *log.Logger
}

// New dials the receiver's UDP address. The "connection" is only a local
// filter on which remote address ReadFromUDP accepts from; no handshake
// happens at the OS level.
func New(cfg Config) (*Sender, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 50
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("sendflow: resolve server addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("sendflow: dial: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Sender{
		cfg:  cfg,
		conn: conn,
		rtoC: rto.NewController(cfg.RTOInit, cfg.RTOMin, cfg.RTOMax),
		log:  logger,
	}, nil
}

// Close releases the sender's socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Result summarizes a completed transfer.
type Result struct {
	FileID      uint64
	Bytes       int64
	TotalChunks uint64
	StartChunk  uint64
	Elapsed     time.Duration
}

// SendFile transfers the file at path to the receiver this Sender is
// dialed to, resuming from whatever chunk the receiver's SYN-ACK
// advertises when cfg.Resume is set.
func (s *Sender) SendFile(ctx context.Context, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("sendflow: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("sendflow: stat %s: %w", path, err)
	}
	size := info.Size()

	sha, err := utils.HashFileSHA256(path)
	if err != nil {
		return Result{}, fmt.Errorf("sendflow: hash %s: %w", path, err)
	}
	fid, err := fileid.FromHexHash(sha)
	if err != nil {
		return Result{}, fmt.Errorf("sendflow: derive file_id: %w", err)
	}

	sp := handshake.SynPayload{
		Filename:  info.Name(),
		FileSize:  size,
		ChunkSize: s.cfg.ChunkSize,
		SHA256:    sha,
	}
	synPayload, err := handshake.EncodeSyn(sp)
	if err != nil {
		return Result{}, fmt.Errorf("sendflow: encode SYN: %w", err)
	}

	synFlags := protocol.FlagMetaJSON
	if s.cfg.Resume {
		synFlags |= protocol.FlagResume
	}
	s.log.Printf("sendflow: SYN -> %s file=%s size=%s chunk=%d file_id=%016x", s.cfg.ServerAddr, info.Name(), utils.HumanBytes(size), s.cfg.ChunkSize, fid)

	synAckPkt, err := s.sendAndWait(ctx, &protocol.Packet{
		Type: protocol.PacketTypeSyn, Flags: synFlags, FileID: fid, Payload: synPayload,
	}, protocol.PacketTypeSynAck, nil)
	if err != nil {
		return Result{}, err
	}

	synAck, _ := handshake.DecodeSynAck(synAckPkt.Payload)
	startChunk := synAck.NextChunk
	if synAck.Message != "" {
		s.log.Printf("sendflow: SYN-ACK %q next_chunk=%d", synAck.Message, startChunk)
	}

	totalChunks := uint64(0)
	if size > 0 {
		totalChunks = uint64((size + s.cfg.ChunkSize - 1) / s.cfg.ChunkSize)
	}

	if startChunk > 0 {
		if _, err := f.Seek(int64(startChunk)*s.cfg.ChunkSize, 0); err != nil {
			return Result{}, fmt.Errorf("sendflow: seek to resume offset: %w", err)
		}
	}

	start := time.Now()
	buf := make([]byte, s.cfg.ChunkSize)
	for chunkID := startChunk; chunkID < totalChunks; chunkID++ {
		n, err := f.Read(buf)
		if err != nil {
			return Result{}, fmt.Errorf("sendflow: read chunk %d: %w", chunkID, err)
		}
		eof := chunkID == totalChunks-1
		flags := protocol.Flags(0)
		if eof {
			flags = protocol.FlagEOF
		}
		ackID := uint32(chunkID)
		_, err = s.sendAndWait(ctx, &protocol.Packet{
			Type: protocol.PacketTypeData, Flags: flags, FileID: fid,
			Seq: uint32(chunkID), ChunkID: uint32(chunkID), Payload: append([]byte(nil), buf[:n]...),
		}, protocol.PacketTypeAck, &ackID)
		if err != nil {
			return Result{}, err
		}

		if chunkID%200 == 0 || eof {
			s.log.Printf("sendflow: chunk %d/%d acked rto=%s", chunkID, totalChunks-1, s.rtoC.Current())
		}
		if s.cfg.OnProgress != nil {
			s.cfg.OnProgress(chunkID+1, totalChunks, s.rtoC.Current())
		}
	}

	// A zero-byte file has totalChunks 0 and the loop above never runs; it
	// still gets a single EOF-flagged DATA with an empty payload, which is
	// what lets the receiver create and finalize the empty file.
	if size == 0 {
		ackID := uint32(0)
		if _, err := s.sendAndWait(ctx, &protocol.Packet{
			Type: protocol.PacketTypeData, Flags: protocol.FlagEOF, FileID: fid,
		}, protocol.PacketTypeAck, &ackID); err != nil {
			return Result{}, err
		}
	}

	finSeq := totalChunks
	s.log.Printf("sendflow: FIN -> %s", s.cfg.ServerAddr)
	if _, err := s.sendAndWait(ctx, &protocol.Packet{
		Type: protocol.PacketTypeFin, FileID: fid, Seq: uint32(finSeq), ChunkID: uint32(finSeq),
	}, protocol.PacketTypeFinAck, nil); err != nil {
		return Result{}, err
	}

	elapsed := time.Since(start)
	if elapsed > 0 {
		goodput := float64(size) / elapsed.Seconds() / (1024 * 1024)
		s.log.Printf("sendflow: done elapsed=%s goodput=%.2f MiB/s", elapsed, goodput)
	}

	return Result{FileID: fid, Bytes: size, TotalChunks: totalChunks, StartChunk: startChunk, Elapsed: elapsed}, nil
}

// sendAndWait implements the stop-and-wait core: send pkt, wait up to the
// controller's current RTO for a reply of expectType (and, if expectAck is
// non-nil, matching Ack value), retransmitting only on a genuine RTO
// timeout, up to cfg.MaxRetries times. A corrupt, wrong-type, or stale/
// duplicate reply is discarded without retransmitting or resetting the
// read deadline; the outstanding packet and its original timer stay put
// until either a matching reply arrives or the timer itself expires.
func (s *Sender) sendAndWait(ctx context.Context, pkt *protocol.Packet, expectType protocol.PacketType, expectAck *uint32) (protocol.Packet, error) {
	raw, err := protocol.Encode(pkt)
	if err != nil {
		return protocol.Packet{}, fmt.Errorf("sendflow: encode outgoing packet: %w", err)
	}

	retries := 0
	buf := make([]byte, 64*1024+protocol.HeaderLen)
	for {
		if err := ctx.Err(); err != nil {
			return protocol.Packet{}, err
		}

		sentAt := time.Now()
		if _, err := s.conn.Write(raw); err != nil {
			return protocol.Packet{}, fmt.Errorf("sendflow: write: %w", err)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.PacketsSent.Inc()
		}
		s.conn.SetReadDeadline(sentAt.Add(s.rtoC.Current()))

		reply, timedOut, err := s.waitForReply(buf, sentAt, expectType, expectAck)
		if err != nil {
			return protocol.Packet{}, err
		}
		if !timedOut {
			return reply, nil
		}

		retries++
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.Retransmits.Inc()
		}
		if retries > s.cfg.MaxRetries {
			return protocol.Packet{}, &ErrMaxRetriesExceeded{PacketType: pkt.Type, Seq: pkt.Seq, Retries: retries - 1}
		}
		s.log.Printf("sendflow: timeout, retransmitting type=%v seq=%d retries=%d rto=%s", pkt.Type, pkt.Seq, retries, s.rtoC.Current())
	}
}

// waitForReply reads from the socket, using the read deadline already set
// by the caller, until a packet matching expectType/expectAck arrives, the
// deadline expires, or a non-timeout error occurs. Corrupt, wrong-type, and
// mismatched-ack packets are discarded and do not extend or reset the
// deadline; they simply fall through to the next Read on the same timer.
func (s *Sender) waitForReply(buf []byte, sentAt time.Time, expectType protocol.PacketType, expectAck *uint32) (protocol.Packet, bool, error) {
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return protocol.Packet{}, true, nil
			}
			return protocol.Packet{}, false, fmt.Errorf("sendflow: read: %w", err)
		}

		reply, ok := protocol.Decode(buf[:n])
		if !ok {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.CorruptPackets.Inc()
			}
			continue
		}
		if reply.Type != expectType {
			continue
		}
		if expectAck != nil && reply.Ack != *expectAck {
			continue
		}

		rtt := time.Since(sentAt)
		s.rtoC.Sample(rtt)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveRTT(rtt)
			s.cfg.Metrics.ObserveRTO(s.rtoC.Current())
			s.cfg.Metrics.PacketsReceived.Inc()
		}
		return reply, false, nil
	}
}
