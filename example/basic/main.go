package main

import (
	"context"
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

	rt, err := flow.
		StreamIN(
			healthsync.StreamInStreams(healthsync.StreamHeartRate, healthsync.StreamHRV, healthsync.StreamSteps),
			healthsync.StreamInLookback(72*time.Hour),
		).
		Delivery(healthsync.DeliveryMaxAttempts(10)).
		StreamOUT()
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := rt.Backfill(ctx, 14)
	if err != nil {
		log.Printf("backfill: %v", err)
	} else {
		log.Printf("backfill: %d windows, %d samples collected, %d sent", len(rep.Windows), rep.Collected, rep.Drain.Sent)
	}
	if st, err := rt.Status(ctx); err == nil {
		log.Printf("queue=%d dead_letters=%d registered=%t", st.QueueLength, st.DeadLetters, st.Registered)
	}

	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("agent exited: %v", err)
	}
}
