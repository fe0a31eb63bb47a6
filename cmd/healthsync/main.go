package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/dalebradshaw/healthsync"
)

const defaultConfig = "./data/config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "sync":
		err = syncCommand(os.Args[2:])
	case "drain":
		err = drainCommand(os.Args[2:])
	case "backfill":
		err = backfillCommand(os.Args[2:])
	case "register":
		err = registerCommand(os.Args[2:])
	case "status":
		err = statusCommand(os.Args[2:])
	case "deadletters":
		err = deadLettersCommand(os.Args[2:])
	case "requeue":
		err = requeueCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("healthsync %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to agent configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := healthsync.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func syncCommand(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to agent configuration file")
	trigger := fs.String("trigger", string(healthsync.TriggerManual), "Trigger kind: foreground, periodic, connectivity, data or manual")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := healthsync.ParseTrigger(*trigger)
	if err != nil {
		return err
	}

	return withRuntime(*cfgPath, func(ctx context.Context, rt *healthsync.Runtime) error {
		rep, err := rt.Trigger(ctx, kind)
		if err != nil {
			return err
		}
		return printJSON(rep)
	})
}

func drainCommand(args []string) error {
	fs := flag.NewFlagSet("drain", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to agent configuration file")
	maxBatches := fs.Int("max-batches", 0, "Stop after this many batches (0 uses policy.max_batches_per_drain)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withRuntime(*cfgPath, func(ctx context.Context, rt *healthsync.Runtime) error {
		res, err := rt.Drain(ctx, *maxBatches)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func backfillCommand(args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to agent configuration file")
	days := fs.Int("days", 30, "Number of whole days before today to resend")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *days <= 0 {
		return fmt.Errorf("-days must be positive")
	}

	return withRuntime(*cfgPath, func(ctx context.Context, rt *healthsync.Runtime) error {
		rep, err := rt.Backfill(ctx, *days)
		if err != nil {
			return err
		}
		return printJSON(rep)
	})
}

func registerCommand(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to agent configuration file")
	userID := fs.String("user", "", "User to register the device for")
	name := fs.String("name", "", "Device name (defaults to device.name from the config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("-user is required")
	}

	cfg, err := healthsync.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	deviceName := *name
	if deviceName == "" {
		deviceName = cfg.Device.Name
	}

	return withRuntimeConfig(cfg, func(ctx context.Context, rt *healthsync.Runtime) error {
		creds, err := rt.Register(ctx, *userID, deviceName)
		if err != nil {
			return err
		}
		fmt.Printf("registered device %s for user %s\n", creds.DeviceID, creds.UserID)
		return nil
	})
}

func statusCommand(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to agent configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withRuntime(*cfgPath, func(ctx context.Context, rt *healthsync.Runtime) error {
		st, err := rt.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	})
}

func deadLettersCommand(args []string) error {
	fs := flag.NewFlagSet("deadletters", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to agent configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withRuntime(*cfgPath, func(ctx context.Context, rt *healthsync.Runtime) error {
		batches, err := rt.DeadLetters(ctx)
		if err != nil {
			return err
		}
		for _, b := range batches {
			fmt.Printf("%s samples=%d deletions=%d attempts=%d last_error=%q\n",
				b.ID, len(b.Samples), len(b.Deletions), b.Attempts, b.LastError)
		}
		fmt.Printf("%d dead-lettered batches\n", len(batches))
		return nil
	})
}

func requeueCommand(args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to agent configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withRuntime(*cfgPath, func(ctx context.Context, rt *healthsync.Runtime) error {
		n, err := rt.Requeue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("moved %d batches back to the upload queue\n", n)
		return nil
	})
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := healthsync.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good ✅ (%d streams, store %s)\n", *cfgPath, len(cfg.Streams), cfg.Store.Driver)
	return nil
}

// withRuntime opens the runtime without starting its background loops, runs
// fn, and closes the store again.
func withRuntime(cfgPath string, fn func(context.Context, *healthsync.Runtime) error) error {
	cfg, err := healthsync.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return withRuntimeConfig(cfg, fn)
}

func withRuntimeConfig(cfg *healthsync.Config, fn func(context.Context, *healthsync.Runtime) error) error {
	rt, err := healthsync.NewRuntime(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, rt)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(ctx, *url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := map[string]float64{
		"healthsync_samples_sent_total":       0,
		"healthsync_delivery_failures_total":  0,
		"healthsync_triggers_throttled_total": 0,
		"healthsync_queue_length":             0,
		"healthsync_dead_letter_length":       0,
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %f", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] sent=%.0f failures=%.0f throttled=%.0f queue=%.0f dead=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets["healthsync_samples_sent_total"],
		targets["healthsync_delivery_failures_total"],
		targets["healthsync_triggers_throttled_total"],
		targets["healthsync_queue_length"],
		targets["healthsync_dead_letter_length"],
	)
	return nil
}

func printUsage() {
	fmt.Printf(`healthsync agent CLI

Usage:
  healthsync <command> [flags]

Commands:
  run          Start the agent with its triggers and metrics server
  sync         Collect every configured stream once and drain the queue
  drain        Deliver queued batches without collecting
  backfill     Resend whole days of history, one window at a time
  register     Obtain device credentials from the ingest server
  status       Print queue length, dead letters and the last sync
  deadletters  List batches that exhausted their attempts
  requeue      Move dead-lettered batches back to the upload queue
  validate     Load and validate a config file without starting the agent
  stats        Poll the Prometheus metrics endpoint and print live counters

Examples:
  healthsync run -config ./data/config.yaml
  healthsync register -config ./data/config.yaml -user 42 -name "Dale's iPhone"
  healthsync backfill -config ./data/config.yaml -days 30
  healthsync stats -url http://localhost:9100/metrics -interval 1s
`)
}
