// Package latent holds the rank-4 (batch, channel, height, width) tensor helpers shared by
// the mask builder, the samplers and the ensemble runner. Tensors are *tensor.Dense values
// backed by float64 unless noted otherwise.
package latent

import (
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/floats"

	"github.com/ollama/inpaint/types/errtypes"
)

// Zeros returns a float64 tensor of the given shape filled with zeros.
func Zeros(shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float64, size(shape))))
}

// Full returns a float64 tensor of the given shape filled with v.
func Full(v float64, shape ...int) *tensor.Dense {
	data := make([]float64, size(shape))
	for i := range data {
		data[i] = v
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// FromData wraps data in a float64 tensor. The slice is used as backing storage.
func FromData(data []float64, shape ...int) (*tensor.Dense, error) {
	if len(data) != size(shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", errtypes.ErrShapeMismatch, len(data), shape)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

// Clone returns a deep copy of a float64 tensor.
func Clone(t *tensor.Dense) *tensor.Dense {
	return tensor.New(tensor.WithShape(t.Shape().Clone()...), tensor.WithBacking(slices.Clone(t.Float64s())))
}

// Dims returns the four dimensions of a rank-4 tensor.
func Dims(t *tensor.Dense) (b, c, h, w int, err error) {
	shape := t.Shape()
	if len(shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: want rank 4, got shape %v", errtypes.ErrShapeMismatch, []int(shape))
	}
	return shape[0], shape[1], shape[2], shape[3], nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *tensor.Dense) bool {
	return slices.Equal(a.Shape(), b.Shape())
}

// CheckShape returns a ShapeError naming t when its shape differs from want.
func CheckShape(name string, t *tensor.Dense, want ...int) error {
	if !slices.Equal(t.Shape(), want) {
		return &errtypes.ShapeError{Name: name, Want: want, Got: t.Shape().Clone()}
	}
	return nil
}

// Scale returns s*t.
func Scale(t *tensor.Dense, s float64) *tensor.Dense {
	out := Clone(t)
	floats.Scale(s, out.Float64s())
	return out
}

// Complement returns 1-m.
func Complement(m *tensor.Dense) *tensor.Dense {
	out := Clone(m)
	data := out.Float64s()
	floats.Scale(-1, data)
	floats.AddConst(1, data)
	return out
}

// Blend returns x*(1-mask) + known*mask. All three tensors must share a shape.
func Blend(x, known, mask *tensor.Dense) *tensor.Dense {
	out := Clone(x)
	dst, k, m := out.Float64s(), known.Float64s(), mask.Float64s()
	for i := range dst {
		dst[i] = dst[i]*(1-m[i]) + k[i]*m[i]
	}
	return out
}

// AddScaled returns x + alpha*y, restricted to positions where gate is one when gate is
// not nil. Gated positions are multiplied by the gate value, matching x + alpha*y*gate.
func AddScaled(x *tensor.Dense, alpha float64, y, gate *tensor.Dense) *tensor.Dense {
	out := Clone(x)
	if gate == nil {
		floats.AddScaled(out.Float64s(), alpha, y.Float64s())
		return out
	}

	dst, ys, g := out.Float64s(), y.Float64s(), gate.Float64s()
	for i := range dst {
		dst[i] += alpha * ys[i] * g[i]
	}
	return out
}

// Derivative returns (x - denoised) / sigma.
func Derivative(x, denoised *tensor.Dense, sigma float64) *tensor.Dense {
	data := make([]float64, len(x.Float64s()))
	floats.SubTo(data, x.Float64s(), denoised.Float64s())
	floats.Scale(1/sigma, data)
	return tensor.New(tensor.WithShape(x.Shape().Clone()...), tensor.WithBacking(data))
}

// Average returns (a+b)/2.
func Average(a, b *tensor.Dense) *tensor.Dense {
	data := make([]float64, len(a.Float64s()))
	floats.AddTo(data, a.Float64s(), b.Float64s())
	floats.Scale(0.5, data)
	return tensor.New(tensor.WithShape(a.Shape().Clone()...), tensor.WithBacking(data))
}

// BroadcastMask promotes mask to shape (b, c, h, w). A nil mask becomes all zeros, a
// (h, w) mask is repeated across batch and channel, a (1, c, h, w) mask across batch.
func BroadcastMask(mask *tensor.Dense, b, c, h, w int) (*tensor.Dense, error) {
	if mask == nil {
		return Zeros(b, c, h, w), nil
	}

	shape := mask.Shape()
	switch {
	case slices.Equal(shape, tensor.Shape{b, c, h, w}):
		return mask, nil
	case slices.Equal(shape, tensor.Shape{h, w}):
		src := mask.Float64s()
		data := make([]float64, 0, b*c*h*w)
		for range b * c {
			data = append(data, src...)
		}
		return tensor.New(tensor.WithShape(b, c, h, w), tensor.WithBacking(data)), nil
	case slices.Equal(shape, tensor.Shape{1, c, h, w}):
		return RepeatBatch(mask, b)
	default:
		return nil, &errtypes.ShapeError{Name: "mask", Want: []int{b, c, h, w}, Got: shape.Clone()}
	}
}

// RepeatBatch repeats a single-element batch n times along the batch axis.
func RepeatBatch(t *tensor.Dense, n int) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) == 0 || shape[0] != 1 {
		return nil, fmt.Errorf("%w: want leading batch of 1, got shape %v", errtypes.ErrBatchMismatch, []int(shape))
	}

	src := t.Float64s()
	data := make([]float64, 0, n*len(src))
	for range n {
		data = append(data, src...)
	}

	out := shape.Clone()
	out[0] = n
	return tensor.New(tensor.WithShape(out...), tensor.WithBacking(data)), nil
}

// Channel extracts channel ch of a rank-4 tensor as a (b, 1, h, w) tensor.
func Channel(t *tensor.Dense, ch int) (*tensor.Dense, error) {
	b, c, h, w, err := Dims(t)
	if err != nil {
		return nil, err
	}
	if ch < 0 || ch >= c {
		return nil, fmt.Errorf("%w: channel %d out of range [0, %d)", errtypes.ErrShapeMismatch, ch, c)
	}

	src := t.Float64s()
	plane := h * w
	data := make([]float64, 0, b*plane)
	for n := range b {
		off := (n*c + ch) * plane
		data = append(data, src[off:off+plane]...)
	}
	return tensor.New(tensor.WithShape(b, 1, h, w), tensor.WithBacking(data)), nil
}

// ConcatChannels concatenates two rank-4 tensors along the channel axis.
func ConcatChannels(a, b *tensor.Dense) (*tensor.Dense, error) {
	na, ca, ha, wa, err := Dims(a)
	if err != nil {
		return nil, err
	}
	nb, cb, hb, wb, err := Dims(b)
	if err != nil {
		return nil, err
	}
	if na != nb || ha != hb || wa != wb {
		return nil, &errtypes.ShapeError{Name: "concat", Want: []int{na, cb, ha, wa}, Got: []int{nb, cb, hb, wb}}
	}

	as, bs := a.Float64s(), b.Float64s()
	plane := ha * wa
	data := make([]float64, 0, na*(ca+cb)*plane)
	for n := range na {
		data = append(data, as[n*ca*plane:(n+1)*ca*plane]...)
		data = append(data, bs[n*cb*plane:(n+1)*cb*plane]...)
	}
	return tensor.New(tensor.WithShape(na, ca+cb, ha, wa), tensor.WithBacking(data)), nil
}

// SetBatch copies src into dst starting at batch index offset. Calls writing disjoint
// batch ranges of the same dst may run concurrently.
func SetBatch(dst *tensor.Dense, offset int, src *tensor.Dense) error {
	ds, ss := dst.Shape(), src.Shape()
	if len(ds) != len(ss) || !slices.Equal(ds[1:], ss[1:]) {
		return &errtypes.ShapeError{Name: "batch slice", Want: ds.Clone(), Got: ss.Clone()}
	}
	if offset < 0 || offset+ss[0] > ds[0] {
		return fmt.Errorf("%w: rows [%d, %d) outside batch of %d", errtypes.ErrBatchMismatch, offset, offset+ss[0], ds[0])
	}

	stride := size(ds[1:])
	copy(dst.Float64s()[offset*stride:], src.Float64s())
	return nil
}

// Batch returns a copy of batch rows [from, to) of t.
func Batch(t *tensor.Dense, from, to int) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) == 0 || from < 0 || to > shape[0] || from > to {
		return nil, fmt.Errorf("%w: rows [%d, %d) outside shape %v", errtypes.ErrBatchMismatch, from, to, []int(shape))
	}

	stride := size(shape[1:])
	out := shape.Clone()
	out[0] = to - from
	data := slices.Clone(t.Float64s()[from*stride : to*stride])
	return tensor.New(tensor.WithShape(out...), tensor.WithBacking(data)), nil
}

func size(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
