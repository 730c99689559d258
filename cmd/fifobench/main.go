package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/downfa11-org/filemq/pkg/config"
	"github.com/downfa11-org/filemq/pkg/fifo"
	"github.com/downfa11-org/filemq/pkg/metrics"
	"github.com/downfa11-org/filemq/util"
)

func main() {
	folder := flag.String("folder", "filemq-data", "root directory for topics")
	topicName := flag.String("topic", "", "topic name (default: random)")
	writers := flag.Int("writers", 4, "number of concurrent writers")
	messages := flag.Int("messages", 10000, "messages per writer")
	payloadSize := flag.Int("payload", 64, "payload size in bytes")
	partitionMB := flag.Int("partition-mb", 1, "segment size cap in MiB")
	exporterPort := flag.Int("exporter-port", 0, "Prometheus exporter port (0=disabled)")
	flag.Parse()

	topic := *topicName
	if topic == "" {
		topic = "bench-" + uuid.NewString()[:8]
	}

	cfg := &config.Config{
		Folder:          *folder,
		PartitionSizeMB: *partitionMB,
	}
	q, err := fifo.New(cfg)
	if err != nil {
		util.Fatal("open queue: %v", err)
	}
	defer q.Release()

	if *exporterPort > 0 {
		metrics.StartMetricsServer(*exporterPort)
	}

	payload := make([]byte, *payloadSize)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	total := *writers * *messages
	fmt.Printf("pushing %d messages to %s with %d writers\n", total, topic, *writers)

	start := time.Now()
	g, _ := errgroup.WithContext(context.Background())
	for w := 0; w < *writers; w++ {
		g.Go(func() error {
			wq, err := fifo.New(&config.Config{Folder: *folder, PartitionSizeMB: *partitionMB})
			if err != nil {
				return err
			}
			defer wq.Release()
			for i := 0; i < *messages; i++ {
				if err := wq.Push(payload, 0, topic); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		util.Fatal("push: %v", err)
	}
	pushElapsed := time.Since(start)
	fmt.Printf("push: %d msgs in %s (%.0f msg/s)\n", total, pushElapsed, float64(total)/pushElapsed.Seconds())

	start = time.Now()
	var popped int
	for {
		msg, err := q.Pop(topic, false)
		if err != nil {
			util.Fatal("pop: %v", err)
		}
		if msg == nil {
			break
		}
		popped++
	}
	popElapsed := time.Since(start)
	fmt.Printf("pop: %d msgs in %s (%.0f msg/s)\n", popped, popElapsed, float64(popped)/popElapsed.Seconds())
}
