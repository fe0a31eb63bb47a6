package ports

import (
	"testing"
	"time"
)

func TestRetryDelayCapped(t *testing.T) {
	p := Policy{RetryBackoffMin: time.Second, RetryBackoffMax: 5 * time.Second}

	cases := map[int]time.Duration{
		0:  0,
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		4:  5 * time.Second,
		40: 5 * time.Second,
	}
	for attempts, want := range cases {
		if got := p.RetryDelay(attempts); got != want {
			t.Fatalf("attempts=%d: expected %s, got %s", attempts, want, got)
		}
	}
}

func TestRetryDelayDisabled(t *testing.T) {
	if got := (Policy{}).RetryDelay(3); got != 0 {
		t.Fatalf("expected no backoff without RetryBackoffMin, got %s", got)
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	p := Policy{MaxBatchesPerDrain: 1, RetryBackoffMin: -1}
	p.ApplyDefaults()

	if p.MaxBatchesPerDrain != 1 {
		t.Fatalf("expected explicit MaxBatchesPerDrain kept, got %d", p.MaxBatchesPerDrain)
	}
	if p.BackfillChunkDays != 7 {
		t.Fatalf("expected BackfillChunkDays default 7, got %d", p.BackfillChunkDays)
	}
	if p.RetryDelay(3) != 0 {
		t.Fatalf("negative RetryBackoffMin should disable backoff")
	}
}
