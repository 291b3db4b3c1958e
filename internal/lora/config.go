// Package lora injects low-rank adapters into a model's projections and
// saves/loads them as GGUF adapter files.
package lora

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// Config mirrors the PEFT LoraConfig fields this trainer honours.
type Config struct {
	R             int      `json:"r" mapstructure:"r"`
	Alpha         int      `json:"lora_alpha" mapstructure:"alpha"`
	Dropout       float64  `json:"lora_dropout" mapstructure:"dropout"`
	Bias          string   `json:"bias" mapstructure:"bias"`
	TaskType      string   `json:"task_type" mapstructure:"task_type"`
	TargetModules []string `json:"target_modules" mapstructure:"target_modules"`
	UseRSLora     bool     `json:"use_rslora" mapstructure:"use_rslora"`
	// LayersToTransform restricts injection to these block indices; empty means all.
	LayersToTransform []int `json:"layers_to_transform,omitempty" mapstructure:"layers_to_transform"`
}

// DefaultConfig returns r=16, alpha=32, dropout 0.05 on the query and value
// projections of a causal LM.
func DefaultConfig() Config {
	return Config{
		R:             16,
		Alpha:         32,
		Dropout:       0.05,
		Bias:          "none",
		TaskType:      "CAUSAL_LM",
		TargetModules: []string{"attn_q", "attn_v"},
	}
}

// moduleAliases maps Hugging Face projection names onto GGUF tensor kinds.
var moduleAliases = map[string]string{
	"q_proj":    "attn_q",
	"k_proj":    "attn_k",
	"v_proj":    "attn_v",
	"o_proj":    "attn_output",
	"gate_proj": "ffn_gate",
	"up_proj":   "ffn_up",
	"down_proj": "ffn_down",
}

var kinds = []string{"attn_q", "attn_k", "attn_v", "attn_output", "ffn_gate", "ffn_up", "ffn_down"}

// Kinds returns the target modules normalised to GGUF tensor kinds.
func (c Config) Kinds() ([]string, error) {
	var out []string
	for _, m := range c.TargetModules {
		m = strings.TrimSpace(m)
		if k, ok := moduleAliases[m]; ok {
			m = k
		}
		if !slices.Contains(kinds, m) {
			return nil, fmt.Errorf("unknown target module %q", m)
		}
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Scaling returns alpha/r, or alpha/sqrt(r) with rank-stabilised LoRA.
func (c Config) Scaling() float32 {
	if c.UseRSLora {
		return float32(float64(c.Alpha) / math.Sqrt(float64(c.R)))
	}
	return float32(c.Alpha) / float32(c.R)
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.R <= 0 {
		errs = append(errs, fmt.Errorf("lora r must be positive, got %d", c.R))
	}
	if c.Alpha <= 0 {
		errs = append(errs, fmt.Errorf("lora alpha must be positive, got %d", c.Alpha))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("lora dropout must be in [0,1), got %v", c.Dropout))
	}
	if c.Bias != "" && c.Bias != "none" {
		errs = append(errs, fmt.Errorf("lora bias %q not supported, only \"none\"", c.Bias))
	}
	if c.TaskType != "" && c.TaskType != "CAUSAL_LM" {
		errs = append(errs, fmt.Errorf("task type %q not supported, only CAUSAL_LM", c.TaskType))
	}
	if len(c.TargetModules) == 0 {
		errs = append(errs, errors.New("no target modules"))
	} else if _, err := c.Kinds(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
