package domain

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// StreamType names a metric stream in the on-device health store.
type StreamType string

const (
	StreamHeartRate    StreamType = "heartRate"
	StreamHRV          StreamType = "hrv"
	StreamSteps        StreamType = "steps"
	StreamActiveEnergy StreamType = "activeEnergyBurned"
	StreamSleepREM     StreamType = "sleepREM"
	StreamSleepCore    StreamType = "sleepCore"
	StreamSleepDeep    StreamType = "sleepDeep"
	StreamSleepAwake   StreamType = "sleepAwake"
	StreamSleepInBed   StreamType = "sleepInBed"
)

var knownStreams = map[StreamType]struct{}{
	StreamHeartRate:    {},
	StreamHRV:          {},
	StreamSteps:        {},
	StreamActiveEnergy: {},
	StreamSleepREM:     {},
	StreamSleepCore:    {},
	StreamSleepDeep:    {},
	StreamSleepAwake:   {},
	StreamSleepInBed:   {},
}

// Known reports whether t is one of the stream types the agent understands.
func (t StreamType) Known() bool {
	_, ok := knownStreams[t]
	return ok
}

// Sample is a single observation harvested from the health store.
// (Identity, Stream) is the idempotency key used by the ingest backend.
type Sample struct {
	Identity string         `json:"uuid,omitempty" msgpack:"id"`
	Stream   StreamType     `json:"type" msgpack:"t"`
	Unit     string         `json:"unit,omitempty" msgpack:"u,omitempty"`
	Start    time.Time      `json:"start" msgpack:"s"`
	End      time.Time      `json:"end" msgpack:"e"`
	Value    Value          `json:"value" msgpack:"v"`
	Metadata map[string]any `json:"metadata,omitempty" msgpack:"m,omitempty"`
}

// Validate checks the structural invariants of a sample.
func (s Sample) Validate() error {
	if s.Stream == "" {
		return fmt.Errorf("sample %q: stream type is required", s.Identity)
	}
	if s.Start.IsZero() || s.End.IsZero() {
		return fmt.Errorf("sample %q (%s): start and end are required", s.Identity, s.Stream)
	}
	if s.End.Before(s.Start) {
		return fmt.Errorf("sample %q (%s): end %s before start %s", s.Identity, s.Stream,
			s.End.Format(time.RFC3339), s.Start.Format(time.RFC3339))
	}
	return nil
}

// Key returns the idempotency key of the sample.
func (s Sample) Key() RecordKey {
	return RecordKey{Identity: s.Identity, Stream: s.Stream}
}

// LatestByKey keeps one sample per key: the last one given. Each survivor
// stays at the position of its first occurrence. The input is not modified.
func LatestByKey(samples []Sample) []Sample {
	pos := make(map[RecordKey]int, len(samples))
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if i, ok := pos[s.Key()]; ok {
			out[i] = s
			continue
		}
		pos[s.Key()] = len(out)
		out = append(out, s)
	}
	return out
}

// DeletionRef marks a previously emitted sample as retracted by the source.
type DeletionRef struct {
	Identity string     `json:"uuid" msgpack:"id"`
	Stream   StreamType `json:"type" msgpack:"t"`
}

// Key returns the idempotency key the deletion targets.
func (d DeletionRef) Key() RecordKey {
	return RecordKey{Identity: d.Identity, Stream: d.Stream}
}

// RecordKey is the (identity, stream) pair the sink upserts and deletes by.
type RecordKey struct {
	Identity string
	Stream   StreamType
}

// CursorToken is an opaque read position for one stream. Only its presence is
// ever inspected.
type CursorToken []byte

// Value holds either a numeric or a textual reading. On the wire it is a JSON
// number or a JSON string.
type Value struct {
	Number float64 `msgpack:"n,omitempty"`
	Text   string  `msgpack:"x,omitempty"`
	IsText bool    `msgpack:"k,omitempty"`
}

// Number builds a numeric Value.
func Number(v float64) Value { return Value{Number: v} }

// Text builds a textual Value.
func Text(s string) Value { return Value{Text: s, IsText: true} }

// Float returns the numeric reading; textual values that parse as numbers are
// converted, others report false.
func (v Value) Float() (float64, bool) {
	if !v.IsText {
		return v.Number, true
	}
	f, err := strconv.ParseFloat(v.Text, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (v Value) String() string {
	if v.IsText {
		return v.Text
	}
	return strconv.FormatFloat(v.Number, 'f', -1, 64)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsText {
		return json.Marshal(v.Text)
	}
	return json.Marshal(v.Number)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*v = Value{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Text(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("value must be a number or string: %w", err)
	}
	*v = Number(f)
	return nil
}
