package healthsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFlowStepsConfigureRuntime(t *testing.T) {
	cfg := testConfig(t)

	flow, err := ConfFromConfig(cfg)
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	if flow.Config() == cfg {
		t.Fatalf("flow must work on a copy of the config")
	}

	src := &stubSource{}
	snk := &stubSink{}

	rt, err := flow.
		StreamIN(
			StreamInSource(src),
			StreamInKV(memKV(t)),
			StreamInStreams(StreamHRV, StreamHeartRate),
			StreamInLookback(48*time.Hour),
		).
		Delivery(
			DeliveryBatchSize(500),
			DeliveryBackoff(time.Second, time.Minute),
			DeliveryMaxAttempts(3),
			DeliveryThrottle(time.Minute),
		).
		StreamOUT(
			StreamOutSink(snk),
			StreamOutObservability(&stubObservability{}),
		)
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	if rt.source != src {
		t.Fatalf("expected custom source to be wired")
	}
	if rt.sink != snk {
		t.Fatalf("expected custom sink to be wired")
	}

	streams := rt.cfg.Streams
	if len(streams) != 2 || streams[0].Stream != StreamHRV || streams[1].Stream != StreamHeartRate {
		t.Fatalf("unexpected stream selection: %+v", streams)
	}
	if streams[0].Unit != "ms" || streams[0].Mode != "anchored" {
		t.Fatalf("unconfigured stream should take its default spec, got %+v", streams[0])
	}
	if streams[1].Unit != "count/min" {
		t.Fatalf("configured stream should keep its spec, got %+v", streams[1])
	}

	p := rt.cfg.Policy
	if p.InitialLookback != 48*time.Hour || p.MaxSamplesPerBatch != 500 || p.MaxAttempts != 3 {
		t.Fatalf("policy not applied: %+v", p)
	}
	if p.RetryBackoffMin != time.Second || p.RetryBackoffMax != time.Minute || p.MinTriggerInterval != time.Minute {
		t.Fatalf("retry policy not applied: %+v", p)
	}

	if len(cfg.Streams) != 1 || cfg.Policy.InitialLookback != 0 || cfg.Policy.MaxAttempts != 0 {
		t.Fatalf("seed config must stay untouched, got %+v", cfg)
	}
}

func TestFlowStreamOutRemoteSetsEndpointAndCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Device = DeviceConfig{}

	flow, err := ConfFromConfig(cfg)
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	creds := Credentials{UserID: "u9", DeviceID: "d9", Token: "t9"}
	rt, err := flow.
		StreamIN(StreamInKV(memKV(t)), StreamInSource(&stubSource{})).
		StreamOUT(
			StreamOutRemote("https://ingest.example.test", creds),
			StreamOutCompression(true),
			StreamOutObservability(&stubObservability{}),
		)
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	if rt.cfg.Remote.BaseURL != "https://ingest.example.test" || !rt.cfg.Remote.Compress {
		t.Fatalf("remote not configured: %+v", rt.cfg.Remote)
	}
	got, err := rt.credentials(context.Background())
	if err != nil {
		t.Fatalf("credentials returned error: %v", err)
	}
	if got != creds {
		t.Fatalf("expected %+v, got %+v", creds, got)
	}
}

func TestFlowReportsInvalidChoices(t *testing.T) {
	flow, err := ConfFromConfig(testConfig(t))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	_, err = flow.
		StreamIN(
			StreamInStreams("pulse"),
			StreamInLookback(0),
		).
		Delivery(
			DeliveryBackoff(time.Minute, time.Second),
			DeliveryMaxAttempts(-1),
			DeliveryBatchSize(0),
		).
		StreamOUT(
			StreamOutRemote("ingest.local", Credentials{}),
			StreamOutCallback("cb", nil),
		)
	if err == nil {
		t.Fatalf("expected invalid flow choices to be rejected")
	}
	for _, want := range []string{
		`unknown stream "pulse"`,
		"StreamInLookback",
		"DeliveryBackoff",
		"DeliveryMaxAttempts",
		"DeliveryBatchSize",
		"StreamOutRemote",
		"nil handler",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestFlowRunUsesStreamOutOptions(t *testing.T) {
	flow, err := ConfFromConfig(testConfig(t))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	// Stop immediately so Run only exercises start and shutdown.
	cancel()
	if err := flow.StreamIN(
		StreamInSource(&stubSource{}),
	).Run(ctx,
		StreamOutCallback("cb", func(context.Context, []Sample, []DeletionRef) error { return nil }),
		StreamOutObservability(&stubObservability{}),
	); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
}

func TestConfFromConfigRequiresConfig(t *testing.T) {
	if _, err := ConfFromConfig(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}
