// Package config loads run settings from a YAML file, FINETUNE_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/headlands-org/go-finetune/internal/dist"
	"github.com/headlands-org/go-finetune/internal/lora"
	"github.com/headlands-org/go-finetune/internal/metrics"
	"github.com/headlands-org/go-finetune/internal/optim"
)

const (
	// EnvPrefix prefixes every environment override, e.g. FINETUNE_EPOCHS.
	EnvPrefix = "FINETUNE"
	// DefaultName is the config file looked up in the working directory.
	DefaultName = "finetune"
)

// Config is the full set of run settings.
type Config struct {
	ModelPath string `mapstructure:"model"`
	DataPath  string `mapstructure:"data"`
	// OutputDir receives adapter checkpoints.
	OutputDir string `mapstructure:"output_dir"`
	// DatasetDir receives the validation records and token caches.
	DatasetDir     string  `mapstructure:"dataset_dir"`
	PromptTemplate string  `mapstructure:"prompt_template"`
	ValidSize      float64 `mapstructure:"valid_size"`
	MaxLength      int     `mapstructure:"max_length"`

	Epochs         int     `mapstructure:"epochs"`
	BatchSize      int     `mapstructure:"batch_size"`
	GradAccumSteps int     `mapstructure:"grad_accum_steps"`
	LearningRate   float64 `mapstructure:"learning_rate"`
	LRScheduler    string  `mapstructure:"lr_scheduler"`
	WarmupSteps    int     `mapstructure:"warmup_steps"`
	WeightDecay    float64 `mapstructure:"weight_decay"`
	MaxGradNorm    float64 `mapstructure:"max_grad_norm"`
	Seed           uint64  `mapstructure:"seed"`
	LogFreq        int     `mapstructure:"log_freq"`
	EvalFreq       int     `mapstructure:"eval_freq"`
	SaveFreq       int     `mapstructure:"save_freq"`

	LoRA    lora.Config   `mapstructure:"lora"`
	Dist    DistConfig    `mapstructure:"dist"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// DistConfig selects the collective backend.
type DistConfig struct {
	Backend           string        `mapstructure:"backend"`
	InitTimeout       time.Duration `mapstructure:"init_timeout"`
	CollectiveTimeout time.Duration `mapstructure:"collective_timeout"`
}

// MetricsConfig controls progress reporting.
type MetricsConfig struct {
	PushGateway  string        `mapstructure:"pushgateway"`
	PushInterval time.Duration `mapstructure:"push_interval"`
	// ProgressFile is written by rank 0; empty uses the progression path
	// from the environment.
	ProgressFile string `mapstructure:"progress_file"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		ModelPath:      "base.gguf",
		DataPath:       "alpaca_data.json",
		OutputDir:      "checkpoints",
		DatasetDir:     "dataset",
		ValidSize:      0.1,
		MaxLength:      256,
		Epochs:         30,
		BatchSize:      8,
		GradAccumSteps: 8,
		LearningRate:   1e-5,
		LRScheduler:    optim.ScheduleCosine,
		WarmupSteps:    100,
		WeightDecay:    0.06,
		MaxGradNorm:    1.0,
		Seed:           0,
		LogFreq:        1,
		EvalFreq:       150,
		SaveFreq:       1,
		LoRA:           lora.DefaultConfig(),
		Dist: DistConfig{
			Backend:     dist.BackendGRPC,
			InitTimeout: 30 * time.Minute,
		},
		Metrics: MetricsConfig{
			PushInterval: 15 * time.Second,
		},
	}
}

// ValidOutput is where the validation records are written.
func (c Config) ValidOutput() string { return filepath.Join(c.DatasetDir, "val_data.json") }

// ProgressPath returns the progress file path.
func (c Config) ProgressPath() string {
	if c.Metrics.ProgressFile != "" {
		return c.Metrics.ProgressFile
	}
	return metrics.GetProgressionFilePath()
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.ModelPath == "" {
		errs = append(errs, errors.New("model path is required"))
	}
	if c.DataPath == "" {
		errs = append(errs, errors.New("data path is required"))
	}
	if c.ValidSize <= 0 || (c.ValidSize >= 1 && c.ValidSize != float64(int(c.ValidSize))) {
		errs = append(errs, fmt.Errorf("valid_size %g must be a fraction in (0,1) or a whole count", c.ValidSize))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"max_length", c.MaxLength},
		{"epochs", c.Epochs},
		{"batch_size", c.BatchSize},
		{"grad_accum_steps", c.GradAccumSteps},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", f.name, f.v))
		}
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"warmup_steps", c.WarmupSteps},
		{"log_freq", c.LogFreq},
		{"eval_freq", c.EvalFreq},
		{"save_freq", c.SaveFreq},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", f.name, f.v))
		}
	}
	if c.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate))
	}
	if c.WeightDecay < 0 {
		errs = append(errs, fmt.Errorf("weight_decay must not be negative, got %g", c.WeightDecay))
	}
	if _, err := optim.NewSchedule(c.LRScheduler, 1, 0, 1); err != nil {
		errs = append(errs, err)
	}
	if err := c.LoRA.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("lora: %w", err))
	}
	switch c.Dist.Backend {
	case dist.BackendGRPC, dist.BackendLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown dist backend %q", c.Dist.Backend))
	}
	return errors.Join(errs...)
}

// New returns a viper instance carrying the defaults and the environment
// bindings.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, c Config) {
	for key, val := range map[string]any{
		"model":                    c.ModelPath,
		"data":                     c.DataPath,
		"output_dir":               c.OutputDir,
		"dataset_dir":              c.DatasetDir,
		"prompt_template":          c.PromptTemplate,
		"valid_size":               c.ValidSize,
		"max_length":               c.MaxLength,
		"epochs":                   c.Epochs,
		"batch_size":               c.BatchSize,
		"grad_accum_steps":         c.GradAccumSteps,
		"learning_rate":            c.LearningRate,
		"lr_scheduler":             c.LRScheduler,
		"warmup_steps":             c.WarmupSteps,
		"weight_decay":             c.WeightDecay,
		"max_grad_norm":            c.MaxGradNorm,
		"seed":                     c.Seed,
		"log_freq":                 c.LogFreq,
		"eval_freq":                c.EvalFreq,
		"save_freq":                c.SaveFreq,
		"lora.r":                   c.LoRA.R,
		"lora.alpha":               c.LoRA.Alpha,
		"lora.dropout":             c.LoRA.Dropout,
		"lora.bias":                c.LoRA.Bias,
		"lora.task_type":           c.LoRA.TaskType,
		"lora.target_modules":      c.LoRA.TargetModules,
		"lora.use_rslora":          c.LoRA.UseRSLora,
		"lora.layers_to_transform": c.LoRA.LayersToTransform,
		"dist.backend":             c.Dist.Backend,
		"dist.init_timeout":        c.Dist.InitTimeout,
		"dist.collective_timeout":  c.Dist.CollectiveTimeout,
		"metrics.pushgateway":      c.Metrics.PushGateway,
		"metrics.push_interval":    c.Metrics.PushInterval,
		"metrics.progress_file":    c.Metrics.ProgressFile,
	} {
		v.SetDefault(key, val)
	}
}

// ReadFile merges the YAML file at path into v. An empty path looks for
// finetune.yaml in the working directory and ignores its absence.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	v.SetConfigName(DefaultName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// BindFlags makes every flag in fs whose name, with dashes turned into
// underscores, matches a key (or "lora."/"dist."/"metrics." + key) override it.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	keys := map[string]bool{}
	for _, k := range v.AllKeys() {
		keys[k] = true
	}
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		name := strings.ReplaceAll(f.Name, "-", "_")
		for _, key := range []string{name, strings.Replace(name, "_", ".", 1)} {
			if keys[key] {
				if err := v.BindPFlag(key, f); err != nil {
					errs = append(errs, err)
				}
				return
			}
		}
	})
	return errors.Join(errs...)
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}
