package latent

import (
	"fmt"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ollama/inpaint/types/errtypes"
)

// Generator is a seeded source of standard normal draws. A Generator is not safe for
// concurrent use.
type Generator struct {
	seed   uint64
	src    rand.Source
	normal distuv.Normal
}

func NewGenerator(seed uint64) *Generator {
	src := rand.NewSource(seed)
	return &Generator{
		seed:   seed,
		src:    src,
		normal: distuv.Normal{Mu: 0, Sigma: 1, Src: src},
	}
}

// Generators returns n generators seeded with start, start+1, ... modulo 2^32, one per
// sample at global index start+i.
func Generators(start, n int) []*Generator {
	gens := make([]*Generator, n)
	for i := range gens {
		gens[i] = NewGenerator(uint64(start+i) % (1 << 32))
	}
	return gens
}

func (g *Generator) Seed() uint64 { return g.seed }

// Source exposes the underlying random source for samplers from gonum.
func (g *Generator) Source() rand.Source { return g.src }

func (g *Generator) NormFloat64() float64 {
	return g.normal.Rand()
}

// Fill overwrites dst with standard normal draws.
func (g *Generator) Fill(dst []float64) {
	for i := range dst {
		dst[i] = g.normal.Rand()
	}
}

// Randn draws a standard normal tensor of shape (b, c, h, w). With one generator per
// batch element, element i is drawn from gens[i] alone so its values do not depend on the
// rest of the batch. A single generator draws the whole tensor.
func Randn(gens []*Generator, b, c, h, w int) (*tensor.Dense, error) {
	t := Zeros(b, c, h, w)
	data := t.Float64s()
	switch len(gens) {
	case b:
		stride := c * h * w
		for i, g := range gens {
			g.Fill(data[i*stride : (i+1)*stride])
		}
	case 1:
		gens[0].Fill(data)
	default:
		return nil, fmt.Errorf("%w: %d generators for batch of %d", errtypes.ErrBatchMismatch, len(gens), b)
	}
	return t, nil
}
