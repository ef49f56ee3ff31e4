// Package denoise provides denoising networks that need no trained weights: an exact
// Gaussian posterior-mean denoiser and an adapter for plain functions.
package denoise

import (
	"context"
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/ollama/inpaint/latent"
	"github.com/ollama/inpaint/sampler"
	"github.com/ollama/inpaint/schedule"
	"github.com/ollama/inpaint/types/errtypes"
)

// Gaussian is the optimal denoiser for data whose channel c is i.i.d. N(Mean[c], Std[c]²).
// It inverts the schedule preconditioning so that the sampler's preconditioned output is
// exactly the posterior mean E[x0 | x].
type Gaussian struct {
	cfg      sampler.NetworkConfig
	schedule *schedule.EDM
	mean     []float64
	std      []float64
}

func NewGaussian(cfg sampler.NetworkConfig, sched *schedule.EDM, mean, std []float64) (*Gaussian, error) {
	if len(mean) != cfg.OutChannels || len(std) != cfg.OutChannels {
		return nil, fmt.Errorf("%w: %d means and %d deviations for %d channels", errtypes.ErrShapeMismatch, len(mean), len(std), cfg.OutChannels)
	}

	for c, s := range std {
		if s < 0 {
			return nil, fmt.Errorf("channel %d: negative standard deviation %v", c, s)
		}
	}

	return &Gaussian{cfg: cfg, schedule: sched, mean: mean, std: std}, nil
}

func (g *Gaussian) Config() sampler.NetworkConfig {
	return g.cfg
}

func (g *Gaussian) Forward(ctx context.Context, x, cNoise *tensor.Dense, _ sampler.Conditioning) (*tensor.Dense, error) {
	b, c, h, w, err := latent.Dims(x)
	if err != nil {
		return nil, err
	}
	if err := latent.CheckShape("network input", x, b, g.cfg.OutChannels, g.cfg.Height, g.cfg.Width); err != nil {
		return nil, err
	}
	if err := latent.CheckShape("noise embedding", cNoise, b); err != nil {
		return nil, err
	}

	in, err := latent.Upcast(x)
	if err != nil {
		return nil, err
	}
	noise, err := latent.Upcast(cNoise)
	if err != nil {
		return nil, err
	}

	src := in.Float64s()
	out := make([]float64, len(src))
	plane := h * w
	for n, cn := range noise.Float64s() {
		sigma := g.schedule.SigmaFromNoise(cn)
		cIn, cSkip, cOut := g.schedule.Coefficients(sigma)
		for ch := range c {
			mu, s2 := g.mean[ch], g.std[ch]*g.std[ch]
			off := (n*c + ch) * plane
			for i := off; i < off+plane; i++ {
				xs := src[i] / cIn
				d := (s2*xs + sigma*sigma*mu) / (s2 + sigma*sigma)
				out[i] = (d - cSkip*xs) / cOut
			}
		}
	}

	return tensor.New(tensor.WithShape(b, c, h, w), tensor.WithBacking(out)), nil
}

// Func adapts a function to the sampler.Network interface.
type Func struct {
	sampler.NetworkConfig
	Fn func(ctx context.Context, x, cNoise *tensor.Dense, cond sampler.Conditioning) (*tensor.Dense, error)
}

func (f Func) Config() sampler.NetworkConfig {
	return f.NetworkConfig
}

func (f Func) Forward(ctx context.Context, x, cNoise *tensor.Dense, cond sampler.Conditioning) (*tensor.Dense, error) {
	return f.Fn(ctx, x, cNoise, cond)
}
