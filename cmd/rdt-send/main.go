package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/mseeger/rdtgo/internal/metrics"
	"github.com/mseeger/rdtgo/internal/runid"
	"github.com/mseeger/rdtgo/internal/sendflow"
)

func main() {
	filePath := flag.String("file", "", "input file path")
	receiverAddr := flag.String("receiver", "", "receiver address (host:port)")
	chunkSize := flag.Int64("chunk-size", 1024, "chunk size in bytes")
	rto := flag.Duration("rto", 300*time.Millisecond, "initial retransmission timeout")
	maxRetries := flag.Int("max-retries", 50, "max retransmissions before giving up on a packet")
	noResume := flag.Bool("no-resume", false, "start from chunk 0 even if the receiver has prior progress")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (optional)")
	flag.Parse()

	if *filePath == "" || *receiverAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	id := runid.New()
	logger := log.New(os.Stderr, "["+id+"] ", log.LstdFlags)

	info, err := os.Stat(*filePath)
	if err != nil {
		logger.Fatalf("stat input file: %v", err)
	}

	coll := metrics.New("rdt_sender")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *metricsAddr != "" {
		go func() {
			if err := coll.Serve(ctx, *metricsAddr); err != nil {
				logger.Printf("metrics server: %v", err)
			}
		}()
	}

	bar := progressbar.NewOptions64(
		info.Size(),
		progressbar.OptionSetDescription("sending "+info.Name()),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	var lastReported uint64

	s, err := sendflow.New(sendflow.Config{
		ServerAddr: *receiverAddr,
		ChunkSize:  *chunkSize,
		RTOInit:    *rto,
		MaxRetries: *maxRetries,
		Resume:     !*noResume,
		Metrics:    coll,
		Logger:     logger,
		OnProgress: func(chunkID, totalChunks uint64, rto time.Duration) {
			delta := chunkID - lastReported
			lastReported = chunkID
			_ = bar.Add64(int64(delta) * *chunkSize)
		},
	})
	if err != nil {
		logger.Fatalf("create sender: %v", err)
	}
	defer s.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		logger.Println("interrupt received, aborting transfer")
		cancel()
	}()

	res, err := s.SendFile(ctx, *filePath)
	if err != nil {
		logger.Fatalf("send file: %v", err)
	}
	bar.Finish()
	logger.Printf("transfer complete: file_id=%016x bytes=%d chunks=%d elapsed=%s", res.FileID, res.Bytes, res.TotalChunks, res.Elapsed)
}
