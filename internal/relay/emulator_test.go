package relay

import (
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/mseeger/rdtgo/pkg/protocol"
)

func startTarget(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP target: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func startEmulator(t *testing.T, cfg Config, targetAddr string) *Emulator {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TargetAddr = targetAddr
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Start()
	t.Cleanup(func() { e.Close() })
	return e
}

func TestForwardsClientToTarget(t *testing.T) {
	target := startTarget(t)
	target.SetReadDeadline(time.Now().Add(2 * time.Second))
	e := startEmulator(t, Config{}, target.LocalAddr().String())

	client, err := net.DialUDP("udp", nil, e.ListenAddr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	raw, _ := protocol.Encode(&protocol.Packet{Type: protocol.PacketTypeSyn, FileID: 0x1234, Payload: []byte("hi")})
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 2048)
	n, err := target.Read(buf)
	if err != nil {
		t.Fatalf("target read: %v", err)
	}
	pkt, ok := protocol.Decode(buf[:n])
	if !ok || pkt.FileID != 0x1234 {
		t.Fatalf("unexpected packet at target: ok=%v pkt=%+v", ok, pkt)
	}
}

func TestReplyRoutesBackToMappedClient(t *testing.T) {
	target := startTarget(t)
	target.SetReadDeadline(time.Now().Add(2 * time.Second))
	e := startEmulator(t, Config{}, target.LocalAddr().String())

	client, err := net.DialUDP("udp", nil, e.ListenAddr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))

	fid := uint64(0xABCD)
	raw, _ := protocol.Encode(&protocol.Packet{Type: protocol.PacketTypeSyn, FileID: fid, Payload: []byte("hi")})
	client.Write(raw)

	buf := make([]byte, 2048)
	n, fromEmulator, err := target.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("target read: %v", err)
	}
	_ = n

	replyRaw, _ := protocol.Encode(&protocol.Packet{Type: protocol.PacketTypeSynAck, FileID: fid, Payload: []byte("ok")})
	if _, err := target.WriteToUDP(replyRaw, fromEmulator); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	reply := make([]byte, 2048)
	rn, err := client.Read(reply)
	if err != nil {
		t.Fatalf("client read reply: %v", err)
	}
	pkt, ok := protocol.Decode(reply[:rn])
	if !ok || pkt.FileID != fid {
		t.Fatalf("unexpected reply at client: ok=%v pkt=%+v", ok, pkt)
	}
}

func TestLossRateOneDropsEverything(t *testing.T) {
	target := startTarget(t)
	e := startEmulator(t, Config{LossRate: 1.0}, target.LocalAddr().String())

	client, err := net.DialUDP("udp", nil, e.ListenAddr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	raw, _ := protocol.Encode(&protocol.Packet{Type: protocol.PacketTypeSyn, FileID: 1, Payload: []byte("x")})
	client.Write(raw)

	target.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 64)
	if _, err := target.Read(buf); err == nil {
		t.Fatalf("expected total loss, but a packet arrived at the target")
	}
}

func TestDuplicateRateOneSendsTwoCopies(t *testing.T) {
	target := startTarget(t)
	target.SetReadDeadline(time.Now().Add(2 * time.Second))
	e := startEmulator(t, Config{DuplicateRate: 1.0, Rand: rand.New(rand.NewSource(1))}, target.LocalAddr().String())

	client, err := net.DialUDP("udp", nil, e.ListenAddr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	raw, _ := protocol.Encode(&protocol.Packet{Type: protocol.PacketTypeSyn, FileID: 2, Payload: []byte("dup")})
	client.Write(raw)

	buf := make([]byte, 64)
	if _, err := target.Read(buf); err != nil {
		t.Fatalf("first copy: %v", err)
	}
	if _, err := target.Read(buf); err != nil {
		t.Fatalf("expected a duplicate copy, got: %v", err)
	}
}

func TestUnmappedReplyDroppedWithoutBroadcastFallback(t *testing.T) {
	target := startTarget(t)
	target.SetReadDeadline(time.Now().Add(2 * time.Second))
	e := startEmulator(t, Config{AllowBroadcastFallback: false}, target.LocalAddr().String())

	// The target replies to something (itself, in this test) before any
	// client has ever spoken through the emulator, so the reverse map is
	// empty; the reply must be dropped rather than guessed at.
	replyRaw, _ := protocol.Encode(&protocol.Packet{Type: protocol.PacketTypeSynAck, FileID: 0x9999, Payload: []byte("orphan")})
	if _, err := target.WriteToUDP(replyRaw, e.targetConn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// No client is registered, so nothing should ever arrive anywhere;
	// this just confirms the pump processes the datagram without panicking
	// or wedging on a nil destination.
	time.Sleep(50 * time.Millisecond)
}
