package ports

import "time"

type Policy struct {
	MaxBatchesPerDrain int           `yaml:"max_batches_per_drain"`
	MaxSamplesPerBatch int           `yaml:"max_samples_per_batch"`
	DeliveryTimeout    time.Duration `yaml:"delivery_timeout"`
	MinTriggerInterval time.Duration `yaml:"min_trigger_interval"`
	PeriodicInterval   time.Duration `yaml:"periodic_interval"`
	InitialLookback    time.Duration `yaml:"initial_lookback"`
	BackfillChunkDays  int           `yaml:"backfill_chunk_days"`
	CollectParallelism int           `yaml:"collect_parallelism"`

	RetryBackoffMin time.Duration `yaml:"retry_backoff_min"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
	MaxAttempts     int           `yaml:"max_attempts"` // 0 keeps failing batches forever
}

// ApplyDefaults fills every unset field.
func (p *Policy) ApplyDefaults() {
	if p.MaxBatchesPerDrain <= 0 {
		p.MaxBatchesPerDrain = 5
	}
	if p.MaxSamplesPerBatch <= 0 {
		p.MaxSamplesPerBatch = 2000
	}
	if p.DeliveryTimeout <= 0 {
		p.DeliveryTimeout = 20 * time.Second
	}
	if p.MinTriggerInterval == 0 {
		p.MinTriggerInterval = 5 * time.Minute
	}
	if p.PeriodicInterval == 0 {
		p.PeriodicInterval = 5 * time.Minute
	}
	if p.InitialLookback <= 0 {
		p.InitialLookback = 24 * time.Hour
	}
	if p.BackfillChunkDays <= 0 {
		p.BackfillChunkDays = 7
	}
	if p.CollectParallelism <= 0 {
		p.CollectParallelism = 4
	}
	if p.RetryBackoffMin == 0 {
		p.RetryBackoffMin = 2 * time.Second
	}
	if p.RetryBackoffMax == 0 {
		p.RetryBackoffMax = 5 * time.Minute
	}
}

// RetryDelay returns how long a batch that failed attempts times waits before
// the next delivery. Zero disables the wait.
func (p Policy) RetryDelay(attempts int) time.Duration {
	if p.RetryBackoffMin <= 0 || attempts <= 0 {
		return 0
	}
	d := p.RetryBackoffMin
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.RetryBackoffMax > 0 && d >= p.RetryBackoffMax {
			return p.RetryBackoffMax
		}
	}
	if p.RetryBackoffMax > 0 && d > p.RetryBackoffMax {
		return p.RetryBackoffMax
	}
	return d
}
