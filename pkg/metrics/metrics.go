package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the model instruments. A nil *Recorder records nothing.
type Recorder struct {
	// RunTotal counts Run calls by model and result.
	RunTotal *prometheus.CounterVec
	// RunSeconds tracks graph evaluation time.
	RunSeconds *prometheus.HistogramVec
	// SkippedNames counts inputs and outputs dropped because they had no mapping.
	SkippedNames *prometheus.CounterVec

	// TrainTotal counts training runs by model and result.
	TrainTotal *prometheus.CounterVec
	// TrainSeconds tracks the external trainer wall time.
	TrainSeconds *prometheus.HistogramVec

	// Version is the currently loaded version of each model.
	Version *prometheus.GaugeVec
	// PendingSamples is the number of samples waiting for the next training run.
	PendingSamples *prometheus.GaugeVec
}

// NewRecorder registers the instruments with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		RunTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelforge_run_total",
				Help: "Inference calls by model and result",
			},
			[]string{"model", "result"},
		),
		RunSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelforge_run_seconds",
				Help:    "Inference latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		SkippedNames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelforge_skipped_names_total",
				Help: "Inputs and outputs skipped because the io names sidecar does not map them",
			},
			[]string{"model", "direction"},
		),
		TrainTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelforge_train_total",
				Help: "Training runs by model and result",
			},
			[]string{"model", "result"},
		),
		TrainSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelforge_train_seconds",
				Help:    "Training duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"model"},
		),
		Version: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modelforge_loaded_version",
				Help: "Version of the loaded model",
			},
			[]string{"model"},
		),
		PendingSamples: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modelforge_pending_samples",
				Help: "Samples waiting for the next training run",
			},
			[]string{"model", "kind"},
		),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (r *Recorder) ObserveRun(model string, start time.Time, err error) {
	if r == nil {
		return
	}
	r.RunTotal.WithLabelValues(model, result(err)).Inc()
	if err == nil {
		r.RunSeconds.WithLabelValues(model).Observe(time.Since(start).Seconds())
	}
}

func (r *Recorder) SkippedInput(model string) {
	if r == nil {
		return
	}
	r.SkippedNames.WithLabelValues(model, "input").Inc()
}

func (r *Recorder) SkippedOutput(model string) {
	if r == nil {
		return
	}
	r.SkippedNames.WithLabelValues(model, "output").Inc()
}

func (r *Recorder) ObserveTrain(model string, start time.Time, err error) {
	if r == nil {
		return
	}
	r.TrainTotal.WithLabelValues(model, result(err)).Inc()
	r.TrainSeconds.WithLabelValues(model).Observe(time.Since(start).Seconds())
}

func (r *Recorder) SetVersion(model string, version int) {
	if r == nil {
		return
	}
	r.Version.WithLabelValues(model).Set(float64(version))
}

func (r *Recorder) SetPending(model string, supervised, reward int) {
	if r == nil {
		return
	}
	r.PendingSamples.WithLabelValues(model, "supervised").Set(float64(supervised))
	r.PendingSamples.WithLabelValues(model, "reward").Set(float64(reward))
}
