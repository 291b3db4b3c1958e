package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"k8s.io/utils/ptr"
)

const (
	// ProgressionStatusFilePath is the default path of the progression file.
	ProgressionStatusFilePath = "/tmp/training_progression.json"

	// ProgressionStatusFilePathEnv overrides the progression file path.
	ProgressionStatusFilePathEnv = "TRAINJOB_PROGRESSION_FILE_PATH"
)

// ProgressionFileFormat is the progression status read by the kubeflow
// trainer controller.
type ProgressionFileFormat struct {
	CurrentStep     *int64                 `json:"current_step,omitempty"`
	TotalSteps      *int64                 `json:"total_steps,omitempty"`
	CurrentEpoch    *int64                 `json:"current_epoch,omitempty"`
	TotalEpochs     *int64                 `json:"total_epochs,omitempty"`
	Message         string                 `json:"message,omitempty"`
	TrainingMetrics map[string]interface{} `json:"training_metrics,omitempty"`
	Metrics         map[string]interface{} `json:"metrics,omitempty"`
	Timestamp       int64                  `json:"timestamp"`
	StartTime       *int64                 `json:"start_time,omitempty"`
}

// GetProgressionFilePath returns the progression file path, checking environment variable first
func GetProgressionFilePath() string {
	if envPath := os.Getenv(ProgressionStatusFilePathEnv); envPath != "" {
		return envPath
	}
	return ProgressionStatusFilePath
}

// Progress is a snapshot of training progress.
type Progress struct {
	Step, TotalSteps   int
	Epoch, TotalEpochs int
	Start              time.Time
	Message            string
	TrainLoss          *float64
	EvalLoss           *float64
	LearningRate       float64
}

// Progression converts p to the file format, stamped with now.
func (p Progress) Progression(now time.Time) ProgressionFileFormat {
	f := ProgressionFileFormat{
		CurrentStep:  ptr.To(int64(p.Step)),
		TotalSteps:   ptr.To(int64(p.TotalSteps)),
		CurrentEpoch: ptr.To(int64(p.Epoch)),
		TotalEpochs:  ptr.To(int64(p.TotalEpochs)),
		Message:      p.Message,
		Timestamp:    now.Unix(),
		TrainingMetrics: map[string]interface{}{
			"learning_rate": p.LearningRate,
		},
	}
	if !p.Start.IsZero() {
		f.StartTime = ptr.To(p.Start.Unix())
	}
	if p.TrainLoss != nil {
		f.TrainingMetrics["loss"] = ptr.Deref(p.TrainLoss, 0)
	}
	if p.EvalLoss != nil {
		f.Metrics = map[string]interface{}{"eval_loss": ptr.Deref(p.EvalLoss, 0)}
	}
	return f
}

// WriteProgression atomically replaces the progression file at path.
func WriteProgression(path string, f ProgressionFileFormat) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".progression-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
