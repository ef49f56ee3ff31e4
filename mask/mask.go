// Package mask builds inpainting masks over (batch, channel, height, width) tensors. A
// mask value of 1 marks a known position whose value is supplied by the caller and 0 a
// position the sampler generates.
package mask

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/ollama/inpaint/latent"
	"github.com/ollama/inpaint/types/errtypes"
)

var ErrInvalidRatio = errors.New("ratio must be in [0, 1]")

// ScatterOptions configures Scatter.
type ScatterOptions struct {
	// Channels lists the channels the mask applies to. Nil selects every channel.
	Channels []int

	// Ratios holds either one known fraction for the whole batch or one per batch
	// element. Ignored when X and Y are set.
	Ratios []float64

	// X and Y are explicit column and row coordinates of known points, applied to every
	// batch element. (0, 0) is the top left corner.
	X, Y []int

	// Generator drives the random point selection. Nil uses seed 0.
	Generator *latent.Generator
}

// Scatter returns a mask of the given rank-4 shape with a scattered set of known points.
// Each batch element independently receives floor(H*W*ratio) distinct positions drawn
// without replacement, and the same spatial pattern is repeated across the selected
// channels. Unselected channels are entirely 0.
func Scatter(shape []int, opts ScatterOptions) (*tensor.Dense, error) {
	b, c, h, w, err := dims(shape)
	if err != nil {
		return nil, err
	}

	channels, err := selectChannels(opts.Channels, c)
	if err != nil {
		return nil, err
	}

	// one (h, w) plane per batch element
	planes := make([][]float64, b)
	for i := range planes {
		planes[i] = make([]float64, h*w)
	}

	switch {
	case opts.X != nil || opts.Y != nil:
		if len(opts.X) != len(opts.Y) {
			return nil, fmt.Errorf("%w: %d x coordinates, %d y coordinates", errtypes.ErrShapeMismatch, len(opts.X), len(opts.Y))
		}
		for k := range opts.X {
			x, y := opts.X[k], opts.Y[k]
			if x < 0 || x >= w || y < 0 || y >= h {
				return nil, fmt.Errorf("%w: point (%d, %d) outside %dx%d", errtypes.ErrShapeMismatch, x, y, w, h)
			}
			for _, plane := range planes {
				plane[y*w+x] = 1
			}
		}
	default:
		counts, err := pointCounts(opts.Ratios, b, h*w)
		if err != nil {
			return nil, err
		}

		g := opts.Generator
		if g == nil {
			g = latent.NewGenerator(0)
		}

		for i, plane := range planes {
			if counts[i] == 0 {
				continue
			}
			idx := make([]int, counts[i])
			sampleuv.WithoutReplacement(idx, h*w, g.Source())
			for _, j := range idx {
				plane[j] = 1
			}
		}
	}

	m := latent.Zeros(b, c, h, w)
	data := m.Float64s()
	for i, plane := range planes {
		for _, ch := range channels {
			copy(data[(i*c+ch)*h*w:], plane)
		}
	}
	return m, nil
}

// Patch returns an inpainting mask of the given rank-4 shape: in the selected channels
// (nil selects all) a centered square of side floor(min(H,W)*ratio) is unknown and
// everything else is known. Unselected channels are entirely known.
func Patch(shape []int, channels []int, ratio float64) (*tensor.Dense, error) {
	b, c, h, w, err := dims(shape)
	if err != nil {
		return nil, err
	}

	if ratio < 0 || ratio > 1 || math.IsNaN(ratio) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRatio, ratio)
	}

	channels, err = selectChannels(channels, c)
	if err != nil {
		return nil, err
	}

	p := int(math.Floor(float64(min(h, w)) * ratio))
	top, left := (h-p)/2, (w-p)/2

	m := latent.Full(1, b, c, h, w)
	data := m.Float64s()
	for i := range b {
		for _, ch := range channels {
			plane := data[(i*c+ch)*h*w : (i*c+ch+1)*h*w]
			for y := top; y < top+p; y++ {
				clear(plane[y*w+left : y*w+left+p])
			}
		}
	}
	return m, nil
}

// Count returns the number of known positions in each batch element of channel ch.
func Count(m *tensor.Dense, ch int) ([]int, error) {
	plane, err := latent.Channel(m, ch)
	if err != nil {
		return nil, err
	}

	b := plane.Shape()[0]
	data := plane.Float64s()
	stride := len(data) / b
	counts := make([]int, b)
	for i := range b {
		for _, v := range data[i*stride : (i+1)*stride] {
			if v != 0 {
				counts[i]++
			}
		}
	}
	return counts, nil
}

func dims(shape []int) (b, c, h, w int, err error) {
	if len(shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: want rank 4, got shape %v", errtypes.ErrShapeMismatch, shape)
	}
	if slices.Min(shape) <= 0 {
		return 0, 0, 0, 0, fmt.Errorf("%w: empty dimension in shape %v", errtypes.ErrShapeMismatch, shape)
	}
	return shape[0], shape[1], shape[2], shape[3], nil
}

func selectChannels(channels []int, c int) ([]int, error) {
	if channels == nil {
		all := make([]int, c)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}

	for _, ch := range channels {
		if ch < 0 || ch >= c {
			return nil, fmt.Errorf("%w: channel %d out of range [0, %d)", errtypes.ErrShapeMismatch, ch, c)
		}
	}
	return channels, nil
}

func pointCounts(ratios []float64, b, n int) ([]int, error) {
	switch len(ratios) {
	case 0:
		return nil, fmt.Errorf("%w: no ratio given", ErrInvalidRatio)
	case 1, b:
	default:
		return nil, fmt.Errorf("%w: %d ratios for batch of %d", errtypes.ErrBatchMismatch, len(ratios), b)
	}

	counts := make([]int, b)
	for i := range counts {
		r := ratios[0]
		if len(ratios) == b {
			r = ratios[i]
		}
		if r < 0 || r > 1 || math.IsNaN(r) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRatio, r)
		}
		counts[i] = int(math.Floor(float64(n) * r))
	}
	return counts, nil
}
