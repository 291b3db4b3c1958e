package lora

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/headlands-org/go-finetune/internal/autograd"
	"github.com/headlands-org/go-finetune/internal/gguf"
	"github.com/headlands-org/go-finetune/internal/model"
)

// GGUF keys written into adapter files, as read by llama.cpp.
const (
	KeyAdapterType  = "adapter.type"
	KeyAdapterAlpha = "adapter.lora.alpha"

	suffixA = ".lora_a"
	suffixB = ".lora_b"
)

// Save writes the adapter weights to a GGUF adapter file. A is stored with
// GGUF shape [in, r] and B with [r, out].
func (a *Adapter) Save(path string) error {
	w := gguf.NewWriter()
	w.SetString(gguf.KeyArchitecture, a.model.Config.Architecture)
	w.SetString(gguf.KeyType, "adapter")
	w.SetString(KeyAdapterType, "lora")
	w.SetFloat32(KeyAdapterAlpha, float32(a.Config.Alpha))

	for _, l := range a.Layers {
		name := l.Name + ".weight"
		if err := w.AddFloat32(name+suffixA, []int{l.A.Cols(), l.A.Rows()}, l.A.Data); err != nil {
			return err
		}
		if err := w.AddFloat32(name+suffixB, []int{l.B.Cols(), l.B.Rows()}, l.B.Data); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

// Load reads a GGUF adapter and injects it into m. The rank is taken from the
// tensors; dropout is disabled since loaded adapters are used for evaluation.
func Load(path string, m *model.Model) (*Adapter, error) {
	r, err := gguf.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if typ, _ := r.String(gguf.KeyType); typ != "adapter" {
		return nil, fmt.Errorf("%s: general.type is %q, not adapter", path, typ)
	}
	if typ, _ := r.String(KeyAdapterType); typ != "lora" {
		return nil, fmt.Errorf("%s: adapter type is %q, not lora", path, typ)
	}
	if arch, err := r.String(gguf.KeyArchitecture); err == nil && arch != m.Config.Architecture {
		return nil, fmt.Errorf("%s: adapter for %s, model is %s", path, arch, m.Config.Architecture)
	}
	alpha, err := r.Float32(KeyAdapterAlpha)
	if err != nil {
		return nil, err
	}

	slots := make(map[string]model.Slot)
	for _, s := range m.Slots() {
		slots[s.Name] = s
	}

	ad := &Adapter{model: m, Config: Config{Alpha: int(alpha), Bias: "none", TaskType: "CAUSAL_LM"}}
	for _, tn := range r.ListTensors() {
		base, ok := strings.CutSuffix(tn, ".weight"+suffixA)
		if !ok {
			continue
		}
		s, ok := slots[base]
		if !ok {
			return nil, fmt.Errorf("%s: adapter tensor %s has no matching projection", path, tn)
		}
		a, descA, err := r.TensorFloat32(tn)
		if err != nil {
			return nil, err
		}
		b, descB, err := r.TensorFloat32(base + ".weight" + suffixB)
		if err != nil {
			return nil, err
		}
		w := (*s.Linear).Base()
		if len(descA.Shape) != 2 || len(descB.Shape) != 2 ||
			descA.Shape[0] != w.Cols() || descB.Shape[1] != w.Rows() || descA.Shape[1] != descB.Shape[0] {
			return nil, fmt.Errorf("%s: adapter %s shapes %v/%v do not fit [%d %d]",
				path, base, descA.Shape, descB.Shape, w.Rows(), w.Cols())
		}
		rank := descA.Shape[1]
		if ad.Config.R == 0 {
			ad.Config.R = rank
		} else if ad.Config.R != rank {
			return nil, fmt.Errorf("%s: mixed adapter ranks %d and %d", path, ad.Config.R, rank)
		}
		l := &Linear{
			Name:    base,
			base:    *s.Linear,
			A:       autograd.NewParam(base+suffixA, a, rank, w.Cols()),
			B:       autograd.NewParam(base+suffixB, b, w.Rows(), rank),
			scaling: alpha / float32(rank),
		}
		*s.Linear = l
		ad.Layers = append(ad.Layers, l)
		if !slices.Contains(ad.Config.TargetModules, s.Kind) {
			ad.Config.TargetModules = append(ad.Config.TargetModules, s.Kind)
		}
	}
	if len(ad.Layers) == 0 {
		return nil, fmt.Errorf("%s: no lora tensors", path)
	}
	return ad, nil
}

// peftConfig is the adapter_config.json layout understood by PEFT tooling.
type peftConfig struct {
	Config
	PeftType            string `json:"peft_type"`
	BaseModelNameOrPath string `json:"base_model_name_or_path"`
	InferenceMode       bool   `json:"inference_mode"`
	FanInFanOut         bool   `json:"fan_in_fan_out"`
}

// WriteConfig writes adapter_config.json next to the adapter weights.
func (a *Adapter) WriteConfig(path, baseModel string) error {
	data, err := json.MarshalIndent(peftConfig{
		Config:              a.Config,
		PeftType:            "LORA",
		BaseModelNameOrPath: baseModel,
		InferenceMode:       true,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadConfig reads an adapter_config.json file.
func ReadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var pc peftConfig
	if err := json.Unmarshal(data, &pc); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if pc.PeftType != "" && pc.PeftType != "LORA" {
		return Config{}, fmt.Errorf("%s: peft type %q, not LORA", path, pc.PeftType)
	}
	return pc.Config, nil
}
