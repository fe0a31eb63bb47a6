package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/dalebradshaw/healthsync/pkg/healthsync"
)

func main() {
	flow, err := healthsync.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(_ context.Context, samples []healthsync.Sample, deletions []healthsync.DeletionRef) error {
		for _, s := range samples {
			fmt.Printf("%s %s id=%s value=%s %s\n",
				s.Start.Format(time.RFC3339),
				s.Stream,
				s.Identity,
				s.Value,
				s.Unit,
			)
		}
		for _, d := range deletions {
			fmt.Printf("deleted %s id=%s\n", d.Stream, d.Identity)
		}
		return nil
	}

	if err := flow.Run(ctx, healthsync.StreamOutCallback("stdout", callback)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}
