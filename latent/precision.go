package latent

import (
	"fmt"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pdevine/tensor"
	"github.com/x448/float16"

	"github.com/ollama/inpaint/types/errtypes"
)

// Precision is the working precision a network runs at. Samplers keep their state in
// float64 and convert at the network boundary.
type Precision int

const (
	Float32 Precision = iota
	Float16
	BFloat16
)

var precisionNames = []string{"float32", "float16", "bfloat16"}

func (p Precision) String() string {
	if int(p) < len(precisionNames) {
		return precisionNames[p]
	}
	return fmt.Sprintf("Precision(%d)", int(p))
}

// ParsePrecision maps a name such as "f16" or "bfloat16" to a Precision. The empty
// string selects Float32.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "", "f32", "fp32", "float32":
		return Float32, nil
	case "f16", "fp16", "float16", "half":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	default:
		return 0, &errtypes.UnsupportedError{Kind: "precision", Value: s, Allowed: precisionNames}
	}
}

func (p Precision) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Precision) UnmarshalText(b []byte) error {
	v, err := ParsePrecision(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Round rounds each value to the nearest value representable at precision p.
func (p Precision) Round(f32s []float32) {
	switch p {
	case Float16:
		for i, v := range f32s {
			f32s[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		copy(f32s, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(f32s)))
	}
}

// Downcast converts a float64 tensor into a float32 tensor whose values are
// representable at precision p.
func Downcast(t *tensor.Dense, p Precision) *tensor.Dense {
	src := t.Float64s()
	f32s := make([]float32, len(src))
	for i, v := range src {
		f32s[i] = float32(v)
	}
	p.Round(f32s)
	return tensor.New(tensor.WithShape(t.Shape().Clone()...), tensor.WithBacking(f32s))
}

// Upcast converts a float32 or float64 tensor into a new float64 tensor.
func Upcast(t *tensor.Dense) (*tensor.Dense, error) {
	switch t.Dtype() {
	case tensor.Float64:
		return Clone(t), nil
	case tensor.Float32:
		src := t.Float32s()
		f64s := make([]float64, len(src))
		for i, v := range src {
			f64s[i] = float64(v)
		}
		return tensor.New(tensor.WithShape(t.Shape().Clone()...), tensor.WithBacking(f64s)), nil
	default:
		return nil, &errtypes.UnsupportedError{Kind: "dtype", Value: t.Dtype().String(), Allowed: []string{"float32", "float64"}}
	}
}
