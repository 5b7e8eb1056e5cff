package schema

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// NamedSeries is one named input or label with one entry per training sample.
type NamedSeries struct {
	Name    string
	Samples []Value
}

type (
	NamedInput = NamedSeries
	NamedLabel = NamedSeries
)

// LabeledTrainingBatch holds supervised samples. Inputs and Labels are kept sorted by name.
// Every series should have the same number of samples; that is checked by the trainer, not here.
type LabeledTrainingBatch struct {
	Inputs []NamedInput
	Labels []NamedLabel
}

// Add appends one sample for inputName and one for labelName.
func (b *LabeledTrainingBatch) Add(inputName string, inputValue Value, labelName string, labelValue Value) {
	b.Inputs = appendSample(b.Inputs, inputName, inputValue)
	b.Labels = appendSample(b.Labels, labelName, labelValue)
}

func appendSample(series []NamedSeries, name string, v Value) []NamedSeries {
	i, found := slices.BinarySearchFunc(series, name, func(s NamedSeries, name string) int {
		return strings.Compare(s.Name, name)
	})
	if found {
		series[i].Samples = append(series[i].Samples, v)
		return series
	}
	return slices.Insert(series, i, NamedSeries{Name: name, Samples: []Value{v}})
}

// Merge appends every sample of other, series by series.
func (b *LabeledTrainingBatch) Merge(other *LabeledTrainingBatch) {
	for _, in := range other.Inputs {
		for _, v := range in.Samples {
			b.Inputs = appendSample(b.Inputs, in.Name, v)
		}
	}
	for _, label := range other.Labels {
		for _, v := range label.Samples {
			b.Labels = appendSample(b.Labels, label.Name, v)
		}
	}
}

// IsEmpty reports whether the batch lacks inputs or labels.
func (b *LabeledTrainingBatch) IsEmpty() bool {
	return len(b.Inputs) == 0 || len(b.Labels) == 0
}

func (b *LabeledTrainingBatch) Clear() {
	b.Inputs = nil
	b.Labels = nil
}

// NumSamples is the largest sample count across all series.
func (b *LabeledTrainingBatch) NumSamples() int {
	n := 0
	for _, s := range b.Inputs {
		n = max(n, len(s.Samples))
	}
	for _, s := range b.Labels {
		n = max(n, len(s.Samples))
	}
	return n
}

type labeledBatchDoc struct {
	Inputs *map[string][]Value `json:"inputs"`
	Labels *map[string][]Value `json:"labels"`
}

func seriesToMap(series []NamedSeries) map[string][]Value {
	m := make(map[string][]Value, len(series))
	for _, s := range series {
		samples := s.Samples
		if samples == nil {
			samples = []Value{}
		}
		m[s.Name] = samples
	}
	return m
}

func mapToSeries(m map[string][]Value) []NamedSeries {
	var series []NamedSeries
	for name, samples := range m {
		if samples == nil {
			samples = []Value{}
		}
		series = append(series, NamedSeries{Name: name, Samples: samples})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Name < series[j].Name })
	return series
}

func (b *LabeledTrainingBatch) Encode() ([]byte, error) {
	inputs := seriesToMap(b.Inputs)
	labels := seriesToMap(b.Labels)
	data, err := marshal(&labeledBatchDoc{Inputs: &inputs, Labels: &labels})
	if err != nil {
		return nil, fmt.Errorf("encoding labeled batch: %w", err)
	}
	return data, nil
}

func DecodeLabeledTrainingBatch(data []byte) (*LabeledTrainingBatch, error) {
	const op = "schema.DecodeLabeledTrainingBatch"

	var doc labeledBatchDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, decodeError(op, err)
	}
	if doc.Inputs == nil {
		return nil, malformed(op, "missing inputs")
	}
	if doc.Labels == nil {
		return nil, malformed(op, "missing labels")
	}
	return &LabeledTrainingBatch{
		Inputs: mapToSeries(*doc.Inputs),
		Labels: mapToSeries(*doc.Labels),
	}, nil
}

func ReadLabeledTrainingBatchFile(path string) (*LabeledTrainingBatch, error) {
	data, err := readFile("schema.ReadLabeledTrainingBatchFile", path)
	if err != nil {
		return nil, err
	}
	batch, err := DecodeLabeledTrainingBatch(data)
	if err != nil {
		return nil, fmt.Errorf("reading labeled batch %q: %w", path, err)
	}
	return batch, nil
}

func (b *LabeledTrainingBatch) WriteToFile(path string) error {
	data, err := b.Encode()
	if err != nil {
		return err
	}
	return WriteFile("schema.LabeledTrainingBatch.WriteToFile", path, data)
}

// RewardSample is one reinforcement-learning transition.
type RewardSample struct {
	State  Value
	Action Value
	Reward float64
	// NextState is optional.
	NextState *Value
}

type RewardTrainingBatch struct {
	Samples []RewardSample
}

func (b *RewardTrainingBatch) Add(state, action Value, reward float64, nextState *Value) {
	b.Samples = append(b.Samples, RewardSample{
		State:     state,
		Action:    action,
		Reward:    reward,
		NextState: nextState,
	})
}

func (b *RewardTrainingBatch) IsEmpty() bool {
	return len(b.Samples) == 0
}

func (b *RewardTrainingBatch) Clear() {
	b.Samples = nil
}

type rewardSampleDoc struct {
	State     Value   `json:"state"`
	Action    Value   `json:"action"`
	Reward    float64 `json:"reward"`
	NextState *Value  `json:"next_state,omitempty"`
}

func (b *RewardTrainingBatch) Encode() ([]byte, error) {
	docs := make([]rewardSampleDoc, len(b.Samples))
	for i, s := range b.Samples {
		docs[i] = rewardSampleDoc{
			State:     s.State,
			Action:    s.Action,
			Reward:    s.Reward,
			NextState: s.NextState,
		}
	}
	data, err := marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("encoding reward batch: %w", err)
	}
	return data, nil
}

// DecodeRewardTrainingBatch requires state, action and reward on every entry.
// Fields are checked for presence rather than value so a null state is still accepted.
func DecodeRewardTrainingBatch(data []byte) (*RewardTrainingBatch, error) {
	const op = "schema.DecodeRewardTrainingBatch"

	var entries *[]map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, decodeError(op, err)
	}
	if entries == nil {
		return nil, malformed(op, "expected an array of samples")
	}

	batch := &RewardTrainingBatch{}
	for i, entry := range *entries {
		var sample RewardSample
		for _, field := range []string{"state", "action", "reward"} {
			if _, ok := entry[field]; !ok {
				return nil, malformed(op, "sample %d: missing %s", i, field)
			}
		}
		if err := json.Unmarshal(entry["state"], &sample.State); err != nil {
			return nil, malformed(op, "sample %d: state: %w", i, err)
		}
		if err := json.Unmarshal(entry["action"], &sample.Action); err != nil {
			return nil, malformed(op, "sample %d: action: %w", i, err)
		}
		if err := json.Unmarshal(entry["reward"], &sample.Reward); err != nil {
			return nil, malformed(op, "sample %d: reward: %w", i, err)
		}
		if raw, ok := entry["next_state"]; ok {
			var next Value
			if err := json.Unmarshal(raw, &next); err != nil {
				return nil, malformed(op, "sample %d: next_state: %w", i, err)
			}
			sample.NextState = &next
		}
		batch.Samples = append(batch.Samples, sample)
	}
	return batch, nil
}

func ReadRewardTrainingBatchFile(path string) (*RewardTrainingBatch, error) {
	data, err := readFile("schema.ReadRewardTrainingBatchFile", path)
	if err != nil {
		return nil, err
	}
	batch, err := DecodeRewardTrainingBatch(data)
	if err != nil {
		return nil, fmt.Errorf("reading reward batch %q: %w", path, err)
	}
	return batch, nil
}

func (b *RewardTrainingBatch) WriteToFile(path string) error {
	data, err := b.Encode()
	if err != nil {
		return err
	}
	return WriteFile("schema.RewardTrainingBatch.WriteToFile", path, data)
}
