package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/logging"
)

// #region fixture-types

// Fixture is a self-contained replay case: the logged records of a run plus
// the decisions it is expected to reproduce.
type Fixture struct {
	Description string                `json:"description"`
	Config      FixtureConfig         `json:"config"`
	Records     []logging.EpochRecord `json:"records"`
	Expected    []FixtureExpected     `json:"expected_results"`
}

// FixtureConfig mirrors Config with JSON tags.
type FixtureConfig struct {
	DoQA        bool     `json:"do_qa"`
	NoDetection bool     `json:"no_detection"`
	Masks       bool     `json:"masks"`
	Datasets    []string `json:"datasets,omitempty"`
	StartBest   *float64 `json:"start_best,omitempty"`
}

// FixtureExpected is the recorded action of one evaluated epoch.
type FixtureExpected struct {
	Epoch  int    `json:"epoch"`
	Action string `json:"action"`
}

// #endregion fixture-types

// #region fixture-io

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture writes f as indented JSON.
func WriteFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// NewFixture builds a fixture from a run's log records and its recorded
// decisions.
func NewFixture(description string, cfg Config, records []logging.EpochRecord, decisions []logging.DecisionEntry) *Fixture {
	f := &Fixture{
		Description: description,
		Config: FixtureConfig{
			DoQA:        cfg.DoQA,
			NoDetection: cfg.NoDetection,
			Masks:       cfg.Masks,
			Datasets:    cfg.Datasets,
			StartBest:   cfg.StartBest,
		},
		Records:  records,
		Expected: make([]FixtureExpected, len(decisions)),
	}
	for i, d := range decisions {
		f.Expected[i] = FixtureExpected{Epoch: d.Epoch, Action: d.Decision}
	}
	return f
}

// ToConfig converts the fixture configuration to a replay Config.
func (fc FixtureConfig) ToConfig() Config {
	return Config{
		DoQA:        fc.DoQA,
		NoDetection: fc.NoDetection,
		Masks:       fc.Masks,
		Datasets:    fc.Datasets,
		StartBest:   fc.StartBest,
	}
}

// Decisions converts the expected results to decision entries for Compare.
func (f *Fixture) Decisions() []logging.DecisionEntry {
	out := make([]logging.DecisionEntry, len(f.Expected))
	for i, e := range f.Expected {
		out[i] = logging.DecisionEntry{Epoch: e.Epoch, Decision: e.Action}
	}
	return out
}

// #endregion fixture-io
