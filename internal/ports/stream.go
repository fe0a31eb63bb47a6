package ports

import "github.com/dalebradshaw/healthsync/internal/domain"

// Collection modes.
const (
	// ModeAnchored streams are read through the source's change cursor.
	ModeAnchored = "anchored"
	// ModeDaily streams have no cursor; one total per calendar day is sent
	// under a day-derived identity.
	ModeDaily = "daily"
)

// StreamSpec tells the collector how to read one stream.
type StreamSpec struct {
	Stream       domain.StreamType `yaml:"type"`
	Mode         string            `yaml:"mode"`
	Unit         string            `yaml:"unit"`
	SkipBackfill bool              `yaml:"skip_backfill"`
}

// DefaultStreams is the stream set used when none is configured. Sleep
// stages are not backfilled because their totals overlap.
func DefaultStreams() []StreamSpec {
	return []StreamSpec{
		{Stream: domain.StreamHeartRate, Mode: ModeAnchored, Unit: "count/min"},
		{Stream: domain.StreamHRV, Mode: ModeAnchored, Unit: "ms"},
		{Stream: domain.StreamSteps, Mode: ModeDaily, Unit: "count"},
		{Stream: domain.StreamActiveEnergy, Mode: ModeDaily, Unit: "kcal"},
		{Stream: domain.StreamSleepREM, Mode: ModeAnchored, SkipBackfill: true},
		{Stream: domain.StreamSleepCore, Mode: ModeAnchored, SkipBackfill: true},
		{Stream: domain.StreamSleepDeep, Mode: ModeAnchored, SkipBackfill: true},
		{Stream: domain.StreamSleepAwake, Mode: ModeAnchored, SkipBackfill: true},
		{Stream: domain.StreamSleepInBed, Mode: ModeAnchored, SkipBackfill: true},
	}
}
