// Package recvflow runs the receiver side of an RDT2.1 transfer: a single
// UDP socket serving any number of concurrent file_id sessions, dispatching
// SYN/DATA/FIN packets into an internal/session.Store and replying with
// SYN-ACK/ACK/FIN-ACK/ERR.
//
// This replaces the teacher's internal/transport.UDPReceiver, whose Handler
// callback only forwarded decoded packets; the protocol logic that used to
// live in cmd/receiver's TCP-only handleConnection now lives here instead,
// grounded on original_source/rdtftp/receiver.py's serve_forever dispatch.
package recvflow

import (
	"fmt"
	"log"
	"net"

	"github.com/mseeger/rdtgo/internal/metrics"
	"github.com/mseeger/rdtgo/internal/session"
	"github.com/mseeger/rdtgo/pkg/handshake"
	"github.com/mseeger/rdtgo/pkg/protocol"
)

// Config configures a Receiver.
type Config struct {
	BindAddr string // e.g. "0.0.0.0:9000"
	OutDir   string

	// SendErrOnDecodeFailure controls whether a corrupted or malformed
	// datagram gets an ERR packet back, or is silently dropped. The zero
	// value drops silently; cmd/rdt-recv sets it unless -no-err-packet is
	// given, so the CLI replies with ERR by default.
	SendErrOnDecodeFailure bool

	Metrics *metrics.Collector
	Logger  *log.Logger
}

// Receiver is a running RDT2.1 receiver bound to one UDP socket.
type Receiver struct {
	cfg   Config
	conn  *net.UDPConn
	store *session.Store
	log   *log.Logger
}

// New binds the receiver's UDP socket and prepares its session store, but
// does not start serving; call Serve to run the receive loop.
func New(cfg Config) (*Receiver, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("recvflow: resolve bind addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("recvflow: listen: %w", err)
	}
	store, err := session.NewStore(cfg.OutDir)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Receiver{cfg: cfg, conn: conn, store: store, log: logger}, nil
}

// LocalAddr returns the socket's bound address, useful when Config.BindAddr
// asked for an ephemeral port.
func (r *Receiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the receiver's socket.
func (r *Receiver) Close() error {
	return r.conn.Close()
}

// Serve runs the receive loop until the socket is closed, which happens
// when the caller invokes Close (typically from another goroutine, on
// context cancellation). It always returns a non-nil error, matching
// net.Listener.Accept's shutdown convention.
func (r *Receiver) Serve() error {
	buf := make([]byte, 64*1024+protocol.HeaderLen)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("recvflow: serve: %w", err)
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		r.handleDatagram(raw, from)
	}
}

func (r *Receiver) handleDatagram(raw []byte, from *net.UDPAddr) {
	pkt, ok := protocol.Decode(raw)
	if !ok {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.CorruptPackets.Inc()
		}
		if r.cfg.SendErrOnDecodeFailure {
			r.send(&protocol.Packet{Type: protocol.PacketTypeErr, Payload: []byte("bad checksum")}, from)
		}
		return
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.PacketsReceived.Inc()
	}

	switch pkt.Type {
	case protocol.PacketTypeSyn:
		r.handleSyn(&pkt, from)
	case protocol.PacketTypeData:
		r.handleData(&pkt, from)
	case protocol.PacketTypeFin:
		r.handleFin(&pkt, from)
	default:
		// SYN-ACK/ACK/FIN-ACK/ERR arriving at a receiver socket are
		// sender-bound traffic misrouted or replayed; ignore them.
	}
}

func (r *Receiver) handleSyn(pkt *protocol.Packet, from *net.UDPAddr) {
	if !pkt.HasFlag(protocol.FlagMetaJSON) {
		ack := handshake.SynAckPayload{NextChunk: 0, Message: "missing metadata, starting at 0"}
		payload, _ := handshake.EncodeSynAck(ack)
		r.send(&protocol.Packet{Type: protocol.PacketTypeSynAck, FileID: pkt.FileID, Payload: payload}, from)
		return
	}

	sp, err := handshake.DecodeSyn(pkt.Payload)
	if err != nil {
		r.log.Printf("recvflow: bad SYN metadata from %s: %v", from, err)
		return
	}
	if err := sp.Validate(); err != nil {
		r.log.Printf("recvflow: invalid SYN metadata from %s: %v", from, err)
		return
	}

	resumeRequested := pkt.HasFlag(protocol.FlagResume)
	nextChunk, resumeOK, err := r.store.HandleSyn(pkt.FileID, sp, resumeRequested)
	if err != nil {
		r.log.Printf("recvflow: SYN handling failed for %s (file_id=%016x): %v", sp.SafeFilename(), pkt.FileID, err)
		return
	}

	msg := "fresh transfer ready"
	flags := protocol.FlagMetaJSON
	if resumeOK {
		msg = "resume ready"
		flags |= protocol.FlagResumeOK
	}
	r.log.Printf("recvflow: SYN from %s filename=%s file_id=%016x next_chunk=%d resume=%v",
		from, sp.SafeFilename(), pkt.FileID, nextChunk, resumeOK)

	payload, err := handshake.EncodeSynAck(handshake.SynAckPayload{NextChunk: nextChunk, Message: msg})
	if err != nil {
		r.log.Printf("recvflow: encode SYN-ACK: %v", err)
		return
	}
	r.send(&protocol.Packet{Type: protocol.PacketTypeSynAck, FileID: pkt.FileID, Flags: flags, Payload: payload}, from)
}

func (r *Receiver) handleData(pkt *protocol.Packet, from *net.UDPAddr) {
	eof := pkt.HasFlag(protocol.FlagEOF)
	ackChunk, wrote, known, err := r.store.HandleData(pkt.FileID, pkt.ChunkID, pkt.Seq, pkt.Payload, eof)
	if err != nil {
		r.log.Printf("recvflow: DATA handling failed for file_id=%016x: %v", pkt.FileID, err)
		return
	}
	if !known {
		// No session for this file_id: per spec, DATA for an unknown
		// identifier is simply ignored, not even ACKed.
		return
	}

	r.send(&protocol.Packet{
		Type:    protocol.PacketTypeAck,
		FileID:  pkt.FileID,
		Ack:     ackChunk,
		ChunkID: ackChunk,
	}, from)

	if wrote && eof {
		if done, err := r.store.Finalize(pkt.FileID); err != nil {
			r.log.Printf("recvflow: finalize file_id=%016x: %v", pkt.FileID, err)
		} else if done {
			r.log.Printf("recvflow: transfer complete file_id=%016x", pkt.FileID)
		}
	}
}

func (r *Receiver) handleFin(pkt *protocol.Packet, from *net.UDPAddr) {
	if done, err := r.store.Finalize(pkt.FileID); err != nil {
		r.log.Printf("recvflow: finalize on FIN file_id=%016x: %v", pkt.FileID, err)
	} else if done {
		r.log.Printf("recvflow: transfer complete on FIN file_id=%016x", pkt.FileID)
	}
	r.send(&protocol.Packet{Type: protocol.PacketTypeFinAck, FileID: pkt.FileID, Ack: pkt.Seq}, from)
}

func (r *Receiver) send(pkt *protocol.Packet, to *net.UDPAddr) {
	raw, err := protocol.Encode(pkt)
	if err != nil {
		r.log.Printf("recvflow: encode outgoing packet: %v", err)
		return
	}
	if _, err := r.conn.WriteToUDP(raw, to); err != nil {
		r.log.Printf("recvflow: write to %s: %v", to, err)
		return
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.PacketsSent.Inc()
	}
}
