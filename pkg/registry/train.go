package registry

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/artifacts"
	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
	"k8s.io/examples/AI/modelforge/pkg/schema"
	"k8s.io/examples/AI/modelforge/pkg/toolchain"
)

// AddSupervisedTrainingData appends one sample pair to the pending supervised batch.
func (r *Registry) AddSupervisedTrainingData(inputName string, inputValue schema.Value, labelName string, labelValue schema.Value) {
	r.trainMu.Lock()
	defer r.trainMu.Unlock()
	r.supervised.Add(inputName, inputValue, labelName, labelValue)
	r.reportPending()
}

// AddRewardData appends one transition to the pending reward batch. nextState may be nil.
func (r *Registry) AddRewardData(state, action schema.Value, reward float64, nextState *schema.Value) {
	r.trainMu.Lock()
	defer r.trainMu.Unlock()
	r.reward.Add(state, action, reward, nextState)
	r.reportPending()
}

// AddTrainingBatches appends whole batches, for example ones read back from an export.
// Either batch may be nil.
func (r *Registry) AddTrainingBatches(supervised *schema.LabeledTrainingBatch, reward *schema.RewardTrainingBatch) {
	r.trainMu.Lock()
	defer r.trainMu.Unlock()
	if supervised != nil {
		r.supervised.Merge(supervised)
	}
	if reward != nil {
		r.reward.Samples = append(r.reward.Samples, reward.Samples...)
	}
	r.reportPending()
}

// PendingSamples counts the samples waiting for the next Train.
func (r *Registry) PendingSamples() (supervised, reward int) {
	r.trainMu.Lock()
	defer r.trainMu.Unlock()
	return r.supervised.NumSamples(), len(r.reward.Samples)
}

// reportPending must be called with trainMu held.
func (r *Registry) reportPending() {
	r.metrics.SetPending(r.Name(), r.supervised.NumSamples(), len(r.reward.Samples))
}

// Train submits the pending batches to the trainer and loads the version it produces.
// On failure the loaded version and the pending batches are left as they were.
func (r *Registry) Train(ctx context.Context, cfg schema.TrainingConfig, cleanData bool) (artifacts.Version, error) {
	const op = "registry.Train"

	r.trainMu.Lock()
	defer r.trainMu.Unlock()

	if r.supervised.IsEmpty() && r.reward.IsEmpty() {
		return 0, mlerrors.Errorf(mlerrors.Precondition, op, "no pending training data")
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	r.handleMu.Lock()
	current := r.handle
	r.handleMu.Unlock()
	if current == nil {
		return 0, mlerrors.Errorf(mlerrors.Precondition, op, "no model is loaded")
	}

	name := r.Name()
	root := r.store().RootOf(name)

	// Never train onto an existing version, even if an older one is loaded.
	from := current.version
	to := from + 1
	if latest, err := artifacts.LatestVersion(root); err == nil && latest >= to {
		to = latest + 1
	}

	runID := uuid.New().String()
	log := klog.FromContext(ctx).WithValues("model", name, "run", runID)
	ctx = klog.NewContext(ctx, log)

	if err := r.writeTrainingFiles(filepath.Join(root, toolchain.TrainDir), cfg); err != nil {
		return 0, err
	}

	log.Info("training model", "from", from, "to", to, "supervised", r.supervised.NumSamples(), "reward", len(r.reward.Samples))
	start := time.Now()
	result, err := r.toolchain.Train(ctx, root, int(from), int(to))
	err = toolchain.Check(op, "trainer", result, err)
	if err == nil {
		var h *handle
		h, err = r.open(ctx, name, filepath.Join(root, artifacts.DirName(to)), to)
		if err == nil {
			r.install(ctx, h)
		}
	}
	r.metrics.ObserveTrain(name, start, err)
	if err != nil {
		log.Error(err, "training failed", "from", from, "to", to)
		return 0, err
	}
	log.V(2).Info("trainer output", "output", result.Output)

	if cleanData {
		r.supervised.Clear()
		r.reward.Clear()
		r.reportPending()
	}
	log.Info("training finished", "version", to, "duration", time.Since(start))
	return to, nil
}

// writeTrainingFiles stages the config and the non-empty batches, removing stale batch files.
func (r *Registry) writeTrainingFiles(dir string, cfg schema.TrainingConfig) error {
	if err := cfg.WriteToFile(filepath.Join(dir, toolchain.ConfigFile)); err != nil {
		return err
	}

	supervisedPath := filepath.Join(dir, toolchain.SupervisedFile)
	if r.supervised.IsEmpty() {
		if err := removeIfExists(supervisedPath); err != nil {
			return err
		}
	} else if err := r.supervised.WriteToFile(supervisedPath); err != nil {
		return err
	}

	rewardPath := filepath.Join(dir, toolchain.RewardFile)
	if r.reward.IsEmpty() {
		if err := removeIfExists(rewardPath); err != nil {
			return err
		}
	} else if err := r.reward.WriteToFile(rewardPath); err != nil {
		return err
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return mlerrors.Errorf(mlerrors.IO, "registry.Train", "removing stale %q: %w", path, err)
	}
	return nil
}

// Export writes the layout and the non-empty pending batches under dir.
func (r *Registry) Export(dir string) error {
	if err := r.Layout().WriteToFile(filepath.Join(dir, ExportLayoutFile)); err != nil {
		return err
	}

	r.trainMu.Lock()
	defer r.trainMu.Unlock()

	if !r.supervised.IsEmpty() {
		if err := r.supervised.WriteToFile(filepath.Join(dir, toolchain.SupervisedFile)); err != nil {
			return err
		}
	}
	if !r.reward.IsEmpty() {
		if err := r.reward.WriteToFile(filepath.Join(dir, toolchain.RewardFile)); err != nil {
			return err
		}
	}
	return nil
}
