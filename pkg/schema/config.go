package schema

import (
	"fmt"

	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
)

// TrainingConfig is handed to the external trainer as train/train_config.json.
type TrainingConfig struct {
	Epochs       uint32
	BatchSize    uint32
	LearningRate float64
	// Gamma is the discount factor for reward-based training.
	Gamma           float64
	Shuffle         bool
	ValidationSplit float64
}

func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:          10,
		BatchSize:       32,
		LearningRate:    0.001,
		Gamma:           0.95,
		Shuffle:         true,
		ValidationSplit: 0.0,
	}
}

func (c TrainingConfig) Validate() error {
	const op = "schema.TrainingConfig.Validate"
	if c.Epochs == 0 {
		return mlerrors.Errorf(mlerrors.InvalidArgument, op, "epochs must be positive")
	}
	if c.BatchSize == 0 {
		return mlerrors.Errorf(mlerrors.InvalidArgument, op, "batch_size must be positive")
	}
	if c.ValidationSplit < 0 || c.ValidationSplit > 1 {
		return mlerrors.Errorf(mlerrors.InvalidArgument, op, "validation_split %v is outside [0, 1]", c.ValidationSplit)
	}
	return nil
}

type trainingConfigDoc struct {
	Epochs          *uint32  `json:"epochs"`
	BatchSize       *uint32  `json:"batch_size"`
	LearningRate    *float64 `json:"learning_rate"`
	Gamma           *float64 `json:"gamma"`
	Shuffle         *bool    `json:"shuffle"`
	ValidationSplit *float64 `json:"validation_split"`
}

func (c TrainingConfig) Encode() ([]byte, error) {
	data, err := marshal(&trainingConfigDoc{
		Epochs:          &c.Epochs,
		BatchSize:       &c.BatchSize,
		LearningRate:    &c.LearningRate,
		Gamma:           &c.Gamma,
		Shuffle:         &c.Shuffle,
		ValidationSplit: &c.ValidationSplit,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding training config: %w", err)
	}
	return data, nil
}

// DecodeTrainingConfig fills absent fields from DefaultTrainingConfig.
func DecodeTrainingConfig(data []byte) (TrainingConfig, error) {
	cfg := DefaultTrainingConfig()

	var doc trainingConfigDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return cfg, decodeError("schema.DecodeTrainingConfig", err)
	}
	if doc.Epochs != nil {
		cfg.Epochs = *doc.Epochs
	}
	if doc.BatchSize != nil {
		cfg.BatchSize = *doc.BatchSize
	}
	if doc.LearningRate != nil {
		cfg.LearningRate = *doc.LearningRate
	}
	if doc.Gamma != nil {
		cfg.Gamma = *doc.Gamma
	}
	if doc.Shuffle != nil {
		cfg.Shuffle = *doc.Shuffle
	}
	if doc.ValidationSplit != nil {
		cfg.ValidationSplit = *doc.ValidationSplit
	}
	return cfg, nil
}

func ReadTrainingConfigFile(path string) (TrainingConfig, error) {
	data, err := readFile("schema.ReadTrainingConfigFile", path)
	if err != nil {
		return TrainingConfig{}, err
	}
	cfg, err := DecodeTrainingConfig(data)
	if err != nil {
		return TrainingConfig{}, fmt.Errorf("reading training config %q: %w", path, err)
	}
	return cfg, nil
}

func (c TrainingConfig) WriteToFile(path string) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	return WriteFile("schema.TrainingConfig.WriteToFile", path, data)
}
