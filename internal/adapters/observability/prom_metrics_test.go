package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

func TestPromObsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPromObs(WithRegisterer(reg), WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	obs.IncCounter(ports.MetricSamplesSent, 5)
	if got := testutil.ToFloat64(obs.counters[ports.MetricSamplesSent]); got != 5 {
		t.Fatalf("expected samples sent 5, got %f", got)
	}

	obs.IncCounter(ports.MetricDeliveryFailures, 2)
	if got := testutil.ToFloat64(obs.counters[ports.MetricDeliveryFailures]); got != 2 {
		t.Fatalf("expected delivery failures 2, got %f", got)
	}

	obs.SetGauge(ports.MetricQueueLength, 3)
	if got := testutil.ToFloat64(obs.gauges[ports.MetricQueueLength]); got != 3 {
		t.Fatalf("expected queue gauge 3, got %f", got)
	}

	obs.ObserveLatency(ports.MetricDeliveryLatency, 0.5)
	hCollector := obs.histos[ports.MetricDeliveryLatency].(prometheus.Collector)
	if samples := testutil.CollectAndCount(hCollector); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}

	obs.IncCounter("unknown_metric", 1)

	obs.RecordDeadLetter(&domain.UploadBatch{ID: "b1"}, errors.New("rejected"))
	if got := testutil.ToFloat64(obs.counters[ports.MetricDeadLetters]); got != 1 {
		t.Fatalf("expected dead letter counter 1, got %f", got)
	}

	if n, err := testutil.GatherAndCount(reg, ports.MetricSamplesSent); err != nil || n != 1 {
		t.Fatalf("expected metric registered on the given registry, n=%d err=%v", n, err)
	}
}

func TestPromObsSeparateRegistries(t *testing.T) {
	NewPromObs(WithRegisterer(prometheus.NewRegistry()))
	NewPromObs(WithRegisterer(prometheus.NewRegistry()))
}

func TestPromObsLogsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	obs := NewPromObs(WithRegisterer(prometheus.NewRegistry()), WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	obs.LogError("drain_failed", errors.New("503"), ports.Field{Key: "batch", Value: "b7"})

	line := buf.String()
	for _, want := range []string{"drain_failed", "batch=b7", "error=503"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in log line %q", want, line)
		}
	}
}
