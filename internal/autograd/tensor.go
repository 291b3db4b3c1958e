// Package autograd implements tape-based reverse-mode differentiation over
// row-major float32 tensors, with the op set a decoder-only language model needs.
//
// Forward: each op computes its output and, when any input requires a
// gradient, records a closure on the tape.
// Backward: the closures run in reverse order, each reading the output
// gradient and accumulating into its inputs' gradients:
//
//	C = A @ Bᵀ        ∂L/∂A += ∂L/∂C @ B,  ∂L/∂B += (∂L/∂C)ᵀ @ A
package autograd

import "fmt"

// Tensor is a dense row-major float32 array. Grad is allocated lazily and
// accumulates across backward passes until ZeroGrad.
type Tensor struct {
	Name         string
	Shape        []int
	Data         []float32
	Grad         []float32
	RequiresGrad bool
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// NewTensor allocates a zero tensor.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// FromData wraps data without copying. It panics when the shape does not match.
func FromData(data []float32, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("autograd: %d values for shape %v", len(data), shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}
}

// NewParam wraps data as a named trainable parameter.
func NewParam(name string, data []float32, shape ...int) *Tensor {
	t := FromData(data, shape...)
	t.Name = name
	t.RequiresGrad = true
	t.Grad = make([]float32, len(data))
	return t
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Rows returns the leading dimension of a 2-D tensor.
func (t *Tensor) Rows() int { return t.Shape[0] }

// Cols returns the trailing dimension.
func (t *Tensor) Cols() int { return t.Shape[len(t.Shape)-1] }

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

func (t *Tensor) grad() []float32 {
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.Data))
	}
	return t.Grad
}

// Item returns the single value of a scalar tensor.
func (t *Tensor) Item() float32 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("autograd: Item on tensor with %d elements", len(t.Data)))
	}
	return t.Data[0]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s %v)", t.Name, t.Shape)
}
