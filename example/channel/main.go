package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/dalebradshaw/healthsync"
)

func main() {
	flow, err := healthsync.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, deliveries, closeDeliveries := healthsync.NewChannelSink("fanout", 32)
	defer closeDeliveries()

	go fanoutWorker("dashboard", deliveries)

	if err := flow.Run(ctx, healthsync.StreamOutSink(sink)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

// fanoutWorker keeps a running total per stream. A batch is only committed
// once this loop has received it.
func fanoutWorker(name string, deliveries <-chan healthsync.Delivery) {
	totals := make(map[healthsync.StreamType]int)
	for d := range deliveries {
		for _, s := range d.Samples {
			totals[s.Stream]++
		}
		fmt.Printf("[%s] batch %s: %d samples, %d deletions at %s totals=%v\n",
			name, d.BatchID, len(d.Samples), len(d.Deletions), time.Now().Format(time.RFC3339), totals)
	}
}
