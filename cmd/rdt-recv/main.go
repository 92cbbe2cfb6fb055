package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/mseeger/rdtgo/internal/metrics"
	"github.com/mseeger/rdtgo/internal/recvflow"
	"github.com/mseeger/rdtgo/internal/runid"
)

func main() {
	bind := flag.String("bind", "0.0.0.0", "address to bind the UDP socket to")
	port := flag.Int("port", 9000, "UDP port to listen on")
	outputDir := flag.String("output-dir", "./downloads", "directory completed and in-progress files are written to")
	noErrPacket := flag.Bool("no-err-packet", false, "do not send an ERR reply on a corrupted datagram")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (optional)")
	flag.Parse()

	id := runid.New()
	logger := log.New(os.Stderr, "["+id+"] ", log.LstdFlags)

	coll := metrics.New("rdt_receiver")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *metricsAddr != "" {
		go func() {
			if err := coll.Serve(ctx, *metricsAddr); err != nil {
				logger.Printf("metrics server: %v", err)
			}
		}()
	}

	r, err := recvflow.New(recvflow.Config{
		BindAddr:               fmt.Sprintf("%s:%d", *bind, *port),
		OutDir:                 *outputDir,
		SendErrOnDecodeFailure: !*noErrPacket,
		Metrics:                coll,
		Logger:                 logger,
	})
	if err != nil {
		logger.Fatalf("create receiver: %v", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		logger.Println("interrupt received, shutting down")
		r.Close()
	}()

	logger.Printf("listening on %s, writing to %s", r.LocalAddr(), *outputDir)
	if err := r.Serve(); err != nil {
		logger.Printf("receiver stopped: %v", err)
	}
}
