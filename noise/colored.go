// Package noise generates spatially correlated ("colored") noise by shaping the spectrum
// of white noise.
package noise

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"github.com/ollama/inpaint/latent"
	"github.com/ollama/inpaint/types/errtypes"
)

type Type string

const (
	White  Type = "white"
	Pink   Type = "pink"
	Red    Type = "red"
	Blue   Type = "blue"
	Purple Type = "purple"
)

var types = []Type{White, Pink, Red, Blue, Purple}

// float32 machine epsilon
const eps = 0x1p-23

func ParseType(s string) (Type, error) {
	for _, t := range types {
		if string(t) == s {
			return t, nil
		}
	}

	allowed := make([]string, len(types))
	for i, t := range types {
		allowed[i] = string(t)
	}
	return "", &errtypes.UnsupportedError{Kind: "noise type", Value: s, Allowed: allowed}
}

// factor returns the amplitude gain applied at radial frequency f.
func (t Type) factor(f float64) float64 {
	switch t {
	case Pink:
		return 1 / math.Sqrt(f+eps)
	case Red:
		return 1 / (f + eps)
	case Blue:
		return math.Sqrt(f + eps)
	case Purple:
		return f + eps
	default:
		return 1
	}
}

// Colored returns noise of the given (b, c, h, w) shape. Every (b, c) slice is drawn
// independently from gen: white noise is transformed to the frequency domain, scaled by
// the type's spectral factor of the radial frequency and transformed back. Pink and red
// noise keep the zero-frequency component unscaled. With normalize set, each slice is
// rescaled to [-1, 1].
func Colored(shape []int, typ Type, normalize bool, gen *latent.Generator) (*tensor.Dense, error) {
	if len(shape) != 4 {
		return nil, fmt.Errorf("%w: noise shape must be (b, c, h, w), got %v", errtypes.ErrShapeMismatch, shape)
	}
	if _, err := ParseType(string(typ)); err != nil {
		return nil, err
	}
	if gen == nil {
		gen = latent.NewGenerator(0)
	}

	b, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: empty plane in shape %v", errtypes.ErrShapeMismatch, shape)
	}

	t := newTransform(h, w)
	gain := t.gains(typ)

	out := latent.Zeros(b, c, h, w)
	data := out.Float64s()
	for i := range b * c {
		plane := data[i*h*w : (i+1)*h*w]
		gen.Fill(plane)

		spec := t.forward(plane)
		for k := range spec {
			spec[k] *= complex(gain[k], 0)
		}
		t.inverse(plane, spec)

		if normalize {
			lo, hi := floats.Min(plane), floats.Max(plane)
			if hi > lo {
				for k, v := range plane {
					plane[k] = 2*(v-lo)/(hi-lo) - 1
				}
			}
		}
	}
	return out, nil
}

// transform is a 2-D real FFT over an h×w plane. The spectrum is stored row-major as
// h rows of w/2+1 coefficients.
type transform struct {
	h, w, nf int
	rows     *fourier.FFT
	cols     *fourier.CmplxFFT
	col      []complex128
	colOut   []complex128
	row      []float64
}

func newTransform(h, w int) *transform {
	return &transform{
		h:      h,
		w:      w,
		nf:     w/2 + 1,
		rows:   fourier.NewFFT(w),
		cols:   fourier.NewCmplxFFT(h),
		col:    make([]complex128, h),
		colOut: make([]complex128, h),
		row:    make([]float64, w),
	}
}

// gains returns the spectral factor for every coefficient of the spectrum.
func (t *transform) gains(typ Type) []float64 {
	gain := make([]float64, t.h*t.nf)
	for y := range t.h {
		fy := fftfreq(y, t.h)
		for x := range t.nf {
			fx := float64(x) / float64(t.w)
			gain[y*t.nf+x] = typ.factor(math.Hypot(fy, fx))
		}
	}

	if typ == Pink || typ == Red {
		gain[0] = 1
	}
	return gain
}

func (t *transform) forward(plane []float64) []complex128 {
	spec := make([]complex128, t.h*t.nf)
	for y := range t.h {
		t.rows.Coefficients(spec[y*t.nf:(y+1)*t.nf], plane[y*t.w:(y+1)*t.w])
	}

	for x := range t.nf {
		for y := range t.h {
			t.col[y] = spec[y*t.nf+x]
		}
		t.cols.Coefficients(t.colOut, t.col)
		for y := range t.h {
			spec[y*t.nf+x] = t.colOut[y]
		}
	}
	return spec
}

// inverse writes the normalized inverse transform of spec into plane. spec is
// overwritten.
func (t *transform) inverse(plane []float64, spec []complex128) {
	for x := range t.nf {
		for y := range t.h {
			t.col[y] = spec[y*t.nf+x]
		}
		t.cols.Sequence(t.colOut, t.col)
		for y := range t.h {
			spec[y*t.nf+x] = t.colOut[y]
		}
	}

	scale := 1 / float64(t.h*t.w)
	for y := range t.h {
		t.rows.Sequence(t.row, spec[y*t.nf:(y+1)*t.nf])
		for x, v := range t.row {
			plane[y*t.w+x] = v * scale
		}
	}
}

// fftfreq returns the sample frequency of bin k for an n-point transform.
func fftfreq(k, n int) float64 {
	if k < (n+1)/2 {
		return float64(k) / float64(n)
	}
	return float64(k-n) / float64(n)
}
