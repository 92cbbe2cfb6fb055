package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/mseeger/rdtgo/internal/metrics"
	"github.com/mseeger/rdtgo/internal/relay"
	"github.com/mseeger/rdtgo/internal/runid"
)

func main() {
	listenPort := flag.Int("listen-port", 9001, "UDP port to listen on for client traffic")
	targetHost := flag.String("target-host", "127.0.0.1", "receiver host to forward traffic to")
	targetPort := flag.Int("target-port", 9000, "receiver port to forward traffic to")
	lossRate := flag.Float64("loss-rate", 0.0, "probability (0.0-1.0) a datagram is dropped")
	delayMs := flag.Int("delay-ms", 0, "base one-way delay in milliseconds")
	jitterMs := flag.Int("jitter-ms", 0, "jitter applied on top of delay-ms, in milliseconds")
	duplicateRate := flag.Float64("duplicate-rate", 0.0, "probability (0.0-1.0) a datagram is also duplicated")
	allowBroadcast := flag.Bool("allow-broadcast-fallback", false, "broadcast replies with no known client mapping to every known client")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (optional)")
	flag.Parse()

	id := runid.New()
	logger := log.New(os.Stderr, "["+id+"] ", log.LstdFlags)

	coll := metrics.New("rdt_relay")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *metricsAddr != "" {
		go func() {
			if err := coll.Serve(ctx, *metricsAddr); err != nil {
				logger.Printf("metrics server: %v", err)
			}
		}()
	}

	e, err := relay.New(relay.Config{
		ListenAddr:             fmt.Sprintf(":%d", *listenPort),
		TargetAddr:             fmt.Sprintf("%s:%d", *targetHost, *targetPort),
		LossRate:               *lossRate,
		DelayMs:                *delayMs,
		JitterMs:               *jitterMs,
		DuplicateRate:          *duplicateRate,
		AllowBroadcastFallback: *allowBroadcast,
		Metrics:                coll,
		Logger:                 logger,
	})
	if err != nil {
		logger.Fatalf("create emulator: %v", err)
	}
	e.Start()

	logger.Printf("relaying %s -> %s (loss=%.2f delay=%dms jitter=%dms duplicate=%.2f)",
		e.ListenAddr(), fmt.Sprintf("%s:%d", *targetHost, *targetPort), *lossRate, *delayMs, *jitterMs, *duplicateRate)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt
	logger.Println("interrupt received, shutting down")
	if err := e.Close(); err != nil {
		logger.Printf("close emulator: %v", err)
	}
}
