// Package metrics exposes Prometheus counters and gauges for the sender,
// receiver, and link emulator. It generalizes the teacher's
// internal/telemetry.TelemetryCollector — a single ad hoc bandwidth/RTT
// estimate fed to an AI chunk-size predictor — into a proper metrics
// surface, using the prometheus/client_golang dependency carried by the
// runZeroInc-sockstats example in the retrieval pack.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the metrics a single sender, receiver, or relay process
// registers against its own registry, so multiple instances in one test
// binary never collide on global Prometheus state.
type Collector struct {
	Registry *prometheus.Registry

	PacketsSent       prometheus.Counter
	PacketsReceived   prometheus.Counter
	Retransmits       prometheus.Counter
	PacketsDropped    prometheus.Counter
	PacketsDuplicated prometheus.Counter
	CorruptPackets    prometheus.Counter
	LastRTO           prometheus.Gauge
	LastRTT           prometheus.Gauge
}

// New creates a Collector with all metrics registered under the given
// namespace (e.g. "rdt_sender", "rdt_receiver", "rdt_relay").
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		Registry: reg,
		PacketsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_sent_total", Help: "Datagrams sent.",
		}),
		PacketsReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total", Help: "Datagrams received and decoded cleanly.",
		}),
		Retransmits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retransmits_total", Help: "Packets retransmitted after a timeout.",
		}),
		PacketsDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_dropped_total", Help: "Datagrams dropped by the relay's loss simulation.",
		}),
		PacketsDuplicated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_duplicated_total", Help: "Extra copies of a datagram emitted by the relay.",
		}),
		CorruptPackets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "corrupt_packets_total", Help: "Datagrams that failed checksum or header validation.",
		}),
		LastRTO: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rto_seconds", Help: "Current retransmission timeout.",
		}),
		LastRTT: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_rtt_seconds", Help: "Most recently measured round-trip time.",
		}),
	}
	return c
}

// ObserveRTT records a round-trip measurement on the RTT gauge.
func (c *Collector) ObserveRTT(d time.Duration) {
	c.LastRTT.Set(d.Seconds())
}

// ObserveRTO records the controller's current retransmission timeout.
func (c *Collector) ObserveRTO(d time.Duration) {
	c.LastRTO.Set(d.Seconds())
}

// Serve starts an HTTP server exposing /metrics on addr and blocks until
// ctx is cancelled or the server errors. Callers typically run it in its
// own goroutine.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics: serve %s: %w", addr, err)
		}
		return nil
	}
}
