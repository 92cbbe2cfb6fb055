// Package relay implements a UDP link emulator for exercising RDT2.1
// clients and servers under loss, delay, jitter, and duplication. It
// listens for client traffic, forwards it to a single fixed target, and
// routes target replies back to whichever client last spoke for a given
// file_id.
//
// This generalizes the teacher's internal/relay.Forwarder, a bare
// bidirectional pass-through with no notion of RDT2.1 framing, using the
// file_id-keyed reverse-routing map from
// original_source/network_simulator_fixed.py's client_map.
package relay

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/mseeger/rdtgo/internal/metrics"
	"github.com/mseeger/rdtgo/pkg/protocol"
)

// Config configures an Emulator.
type Config struct {
	ListenAddr string
	TargetAddr string

	LossRate      float64 // 0.0-1.0 probability a datagram is dropped
	DelayMs       int     // base one-way delay
	JitterMs      int     // +/- jitter applied on top of DelayMs
	DuplicateRate float64 // 0.0-1.0 probability a datagram is also duplicated

	// AllowBroadcastFallback sends a reply with no known client_map entry
	// to every client the emulator has ever seen, matching the original
	// simulator's behavior. Default off: in anything but a single-client
	// test harness this floods every other client with someone else's
	// reply traffic.
	AllowBroadcastFallback bool

	Metrics *metrics.Collector
	Logger  *log.Logger
	Rand    *rand.Rand // injectable for deterministic tests; defaults to a fresh source
}

// Emulator relays UDP datagrams between clients and one fixed target,
// corrupting the link on the way per Config.
type Emulator struct {
	cfg Config

	listenConn *net.UDPConn
	targetConn *net.UDPConn
	targetAddr *net.UDPAddr

	mapMu     sync.Mutex
	clientMap map[uint64]*net.UDPAddr

	rngMu sync.Mutex
	rng   *rand.Rand

	log *log.Logger

	wg     sync.WaitGroup
	closed chan struct{}
}

// New binds the emulator's listen socket and resolves its target, but does
// not begin relaying; call Start for that.
func New(cfg Config) (*Emulator, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve listen addr: %w", err)
	}
	listenConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("relay: listen: %w", err)
	}
	taddr, err := net.ResolveUDPAddr("udp", cfg.TargetAddr)
	if err != nil {
		listenConn.Close()
		return nil, fmt.Errorf("relay: resolve target addr: %w", err)
	}
	targetConn, err := net.DialUDP("udp", nil, taddr)
	if err != nil {
		listenConn.Close()
		return nil, fmt.Errorf("relay: dial target: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Emulator{
		cfg:        cfg,
		listenConn: listenConn,
		targetConn: targetConn,
		targetAddr: taddr,
		clientMap:  make(map[uint64]*net.UDPAddr),
		rng:        rng,
		log:        logger,
		closed:     make(chan struct{}),
	}, nil
}

// ListenAddr returns the emulator's bound client-facing address.
func (e *Emulator) ListenAddr() *net.UDPAddr {
	return e.listenConn.LocalAddr().(*net.UDPAddr)
}

// Start launches the two relay pumps (client->target and target->client)
// in background goroutines.
func (e *Emulator) Start() {
	e.wg.Add(2)
	go e.pumpClientToTarget()
	go e.pumpTargetToClient()
}

// Close stops both pumps and releases both sockets.
func (e *Emulator) Close() error {
	close(e.closed)
	err1 := e.listenConn.Close()
	err2 := e.targetConn.Close()
	e.wg.Wait()
	if err1 != nil {
		return err1
	}
	return err2
}

func (e *Emulator) pumpClientToTarget() {
	defer e.wg.Done()
	buf := make([]byte, 64*1024+protocol.HeaderLen)
	for {
		n, from, err := e.listenConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
				e.log.Printf("relay: client-side read error: %v", err)
				continue
			}
		}
		data := append([]byte(nil), buf[:n]...)

		if fid, ok := protocol.ExtractFileID(data); ok {
			e.mapMu.Lock()
			e.clientMap[fid] = from
			e.mapMu.Unlock()
		}

		e.relay(data, func(d []byte) { e.targetConn.Write(d) })
	}
}

func (e *Emulator) pumpTargetToClient() {
	defer e.wg.Done()
	buf := make([]byte, 64*1024+protocol.HeaderLen)
	for {
		n, _, err := e.targetConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
				e.log.Printf("relay: target-side read error: %v", err)
				continue
			}
		}
		data := append([]byte(nil), buf[:n]...)

		fid, haveFid := protocol.ExtractFileID(data)
		var dest *net.UDPAddr
		if haveFid {
			e.mapMu.Lock()
			dest = e.clientMap[fid]
			e.mapMu.Unlock()
		}

		if dest != nil {
			e.relay(data, func(d []byte) { e.listenConn.WriteToUDP(d, dest) })
			continue
		}

		e.log.Printf("relay: no client mapping for reply (file_id known=%v)", haveFid)
		if !e.cfg.AllowBroadcastFallback {
			continue
		}
		e.mapMu.Lock()
		addrs := make([]*net.UDPAddr, 0, len(e.clientMap))
		for _, a := range e.clientMap {
			addrs = append(addrs, a)
		}
		e.mapMu.Unlock()
		for _, a := range addrs {
			dest := a
			e.relay(data, func(d []byte) { e.listenConn.WriteToUDP(d, dest) })
		}
	}
}

// relay applies loss, delay/jitter, and duplication to one datagram before
// handing it to send for actual transmission.
func (e *Emulator) relay(data []byte, send func([]byte)) {
	if e.shouldDrop() {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.PacketsDropped.Inc()
		}
		return
	}

	delay := e.delay()
	if delay <= 0 {
		send(data)
	} else {
		time.AfterFunc(delay, func() { send(data) })
	}

	if e.shouldDuplicate() {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.PacketsDuplicated.Inc()
		}
		if delay > 0 {
			time.AfterFunc(delay+time.Millisecond, func() { send(data) })
		} else {
			send(data)
		}
	}
}

func (e *Emulator) shouldDrop() bool {
	if e.cfg.LossRate <= 0 {
		return false
	}
	return e.random() < e.cfg.LossRate
}

func (e *Emulator) shouldDuplicate() bool {
	if e.cfg.DuplicateRate <= 0 {
		return false
	}
	return e.random() < e.cfg.DuplicateRate
}

func (e *Emulator) delay() time.Duration {
	if e.cfg.DelayMs == 0 && e.cfg.JitterMs == 0 {
		return 0
	}
	jitter := 0
	if e.cfg.JitterMs > 0 {
		e.rngMu.Lock()
		jitter = e.rng.Intn(2*e.cfg.JitterMs+1) - e.cfg.JitterMs
		e.rngMu.Unlock()
	}
	ms := e.cfg.DelayMs + jitter
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *Emulator) random() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}
