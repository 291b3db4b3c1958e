package optim

import (
	"fmt"
	"math"
)

// Schedule kinds accepted by NewSchedule.
const (
	ScheduleCosine   = "cosine"
	ScheduleLinear   = "linear"
	ScheduleConstant = "constant"
)

// Schedule maps an optimizer step (0-based) to a learning rate.
type Schedule interface {
	LR(step int) float64
}

// NewSchedule returns a schedule that warms up linearly from 0 to base over
// warmup steps and then decays to 0 at total steps (cosine or linear) or
// stays at base (constant).
func NewSchedule(kind string, base float64, warmup, total int) (Schedule, error) {
	if base <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", base)
	}
	if warmup < 0 {
		return nil, fmt.Errorf("warmup steps must not be negative, got %d", warmup)
	}
	w := warmupDecay{base: base, warmup: warmup, total: total}
	switch kind {
	case ScheduleCosine, "":
		w.decay = func(progress float64) float64 { return 0.5 * (1 + math.Cos(math.Pi*progress)) }
	case ScheduleLinear:
		w.decay = func(progress float64) float64 { return 1 - progress }
	case ScheduleConstant:
		w.decay = func(float64) float64 { return 1 }
	default:
		return nil, fmt.Errorf("unknown lr scheduler %q", kind)
	}
	return w, nil
}

type warmupDecay struct {
	base          float64
	warmup, total int
	decay         func(progress float64) float64
}

func (w warmupDecay) LR(step int) float64 {
	if step < w.warmup {
		return w.base * float64(step) / float64(max(1, w.warmup))
	}
	if w.total <= w.warmup {
		return w.base * w.decay(0)
	}
	progress := min(1, float64(step-w.warmup)/float64(w.total-w.warmup))
	return w.base * max(0, w.decay(progress))
}
