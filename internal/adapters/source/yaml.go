package source

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dalebradshaw/healthsync/internal/domain"
)

// FixtureFile is the on-disk form of a fixture.
//
//	samples:
//	  - uuid: hr-1
//	    type: heartRate
//	    unit: count/min
//	    ago: 30m            # start = load time - ago (alternative to start)
//	    duration: 0s
//	    value: 61
type FixtureFile struct {
	Samples []FixtureSample `yaml:"samples"`
}

type FixtureSample struct {
	UUID     string         `yaml:"uuid"`
	Type     string         `yaml:"type"`
	Unit     string         `yaml:"unit"`
	Start    time.Time      `yaml:"start"`
	End      time.Time      `yaml:"end"`
	Ago      time.Duration  `yaml:"ago"`
	Duration time.Duration  `yaml:"duration"`
	Value    yaml.Node      `yaml:"value"`
	Metadata map[string]any `yaml:"metadata"`
}

// LoadFixture reads a fixture file and returns a populated Fixture. Relative
// samples ("ago") are anchored at now.
func LoadFixture(path string, now time.Time) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file FixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	samples, err := file.Build(now)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	f := NewFixture()
	f.Add(samples...)
	// Initial load is not a change anyone is waiting on.
	f.drainChanges()
	return f, nil
}

// Build converts the file entries to samples.
func (ff FixtureFile) Build(now time.Time) ([]domain.Sample, error) {
	out := make([]domain.Sample, 0, len(ff.Samples))
	for i, fs := range ff.Samples {
		start := fs.Start
		if start.IsZero() {
			start = now.Add(-fs.Ago)
		}
		end := fs.End
		if end.IsZero() {
			end = start.Add(fs.Duration)
		}
		v, err := fixtureValue(fs.Value)
		if err != nil {
			return nil, fmt.Errorf("samples[%d]: %w", i, err)
		}
		s := domain.Sample{
			Identity: fs.UUID,
			Stream:   domain.StreamType(fs.Type),
			Unit:     fs.Unit,
			Start:    start,
			End:      end,
			Value:    v,
			Metadata: fs.Metadata,
		}
		if s.Identity == "" {
			s.Identity = fmt.Sprintf("fixture-%s-%d", s.Stream, i)
		}
		if !s.Stream.Known() {
			return nil, fmt.Errorf("samples[%d]: unknown type %q", i, fs.Type)
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("samples[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func fixtureValue(n yaml.Node) (domain.Value, error) {
	if n.Kind == 0 {
		return domain.Number(0), nil
	}
	if n.Kind != yaml.ScalarNode {
		return domain.Value{}, fmt.Errorf("value must be a scalar")
	}
	if n.Tag == "!!int" || n.Tag == "!!float" {
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return domain.Value{}, err
		}
		return domain.Number(f), nil
	}
	return domain.Text(n.Value), nil
}

func (f *Fixture) drainChanges() {
	for {
		select {
		case <-f.changes:
		default:
			return
		}
	}
}
