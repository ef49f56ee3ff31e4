package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/pdevine/tensor"

	"github.com/ollama/inpaint/latent"
	"github.com/ollama/inpaint/logutil"
	"github.com/ollama/inpaint/types/errtypes"
)

var ErrInvalidSteps = errors.New("steps must be positive")

// Conditioned runs the sampler with side-channel conditioning: the known latents and
// the mask's KnownChannel slice are concatenated and passed to every network call.
// Updates are withheld from known positions at every step, and known values are
// re-noised only when RenoiseKnown is set. Known and Mask are required.
func Conditioned(ctx context.Context, net Network, sched Schedule, opts Options) (*Result, error) {
	if opts.Known == nil {
		return nil, fmt.Errorf("%w: conditioned sampling needs known latents", errtypes.ErrMissingKnown)
	}
	if opts.Mask == nil {
		return nil, fmt.Errorf("%w: conditioned sampling needs a mask", errtypes.ErrMissingKnown)
	}

	h, err := newHeun(net, sched, opts)
	if err != nil {
		return nil, err
	}

	ch, err := latent.Channel(h.mask, opts.KnownChannel)
	if err != nil {
		return nil, fmt.Errorf("known channel: %w", err)
	}

	side, err := latent.ConcatChannels(h.known, ch)
	if err != nil {
		return nil, err
	}

	h.cond = Conditioning{ClassLabels: opts.ClassLabels, Context: latent.Downcast(side, h.cfg.Precision)}
	h.updateGate = h.unknown
	h.renoise = opts.RenoiseKnown
	return h.run(ctx)
}

// Unconditioned runs the sampler with class-label conditioning only. Updates apply to
// every position and known values, when given, are re-noised to the current noise level
// and blended back in before every network call.
func Unconditioned(ctx context.Context, net Network, sched Schedule, opts Options) (*Result, error) {
	h, err := newHeun(net, sched, opts)
	if err != nil {
		return nil, err
	}

	h.cond = Conditioning{ClassLabels: opts.ClassLabels}
	h.renoise = h.known != nil
	return h.run(ctx)
}

type heun struct {
	net   Network
	sched Schedule
	opts  Options
	cfg   NetworkConfig

	gens  []*latent.Generator
	mask  *tensor.Dense
	known *tensor.Dense

	// unknown is 1-mask.
	unknown *tensor.Dense

	// updateGate restricts Euler and Heun updates; nil updates everywhere.
	updateGate *tensor.Dense

	renoise bool
	cond    Conditioning
	noise   *tensor.Dense
}

func newHeun(net Network, sched Schedule, opts Options) (*heun, error) {
	cfg := net.Config()
	b, c, hh, w := opts.BatchSize, cfg.OutChannels, cfg.Height, cfg.Width
	if b <= 0 {
		return nil, fmt.Errorf("%w: batch size %d", errtypes.ErrBatchMismatch, b)
	}
	if opts.Steps <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSteps, opts.Steps)
	}

	var known *tensor.Dense
	if opts.Known != nil {
		shape := opts.Known.Shape()
		if len(shape) > 0 && shape[0] != b {
			return nil, fmt.Errorf("%w: known latents have batch %d, want %d", errtypes.ErrBatchMismatch, shape[0], b)
		}
		if err := latent.CheckShape("known latents", opts.Known, b, c, hh, w); err != nil {
			return nil, err
		}

		var err error
		if known, err = latent.Upcast(opts.Known); err != nil {
			return nil, fmt.Errorf("known latents: %w", err)
		}
	}

	mask := opts.Mask
	if mask != nil {
		var err error
		if mask, err = latent.Upcast(mask); err != nil {
			return nil, fmt.Errorf("mask: %w", err)
		}
	}

	mask, err := latent.BroadcastMask(mask, b, c, hh, w)
	if err != nil {
		return nil, err
	}

	gens := opts.Generators
	if gens == nil {
		gens = latent.Generators(0, b)
	}
	if len(gens) != b && len(gens) != 1 {
		return nil, fmt.Errorf("%w: %d generators for batch of %d", errtypes.ErrBatchMismatch, len(gens), b)
	}

	return &heun{
		net:     net,
		sched:   sched,
		opts:    opts,
		cfg:     cfg,
		gens:    gens,
		mask:    mask,
		known:   known,
		unknown: latent.Complement(mask),
	}, nil
}

func (h *heun) run(ctx context.Context) (*Result, error) {
	steps := h.opts.Steps
	b, c, hh, w := h.opts.BatchSize, h.cfg.OutChannels, h.cfg.Height, h.cfg.Width

	noise, err := latent.Randn(h.gens, b, c, hh, w)
	if err != nil {
		return nil, err
	}
	h.noise = noise

	if err := h.sched.SetTimesteps(steps); err != nil {
		return nil, err
	}

	sigmas := h.sched.Sigmas()
	if len(sigmas) != steps+1 {
		return nil, fmt.Errorf("schedule returned %d sigmas for %d steps", len(sigmas), steps)
	}

	x := latent.Scale(noise, sigmas[0])
	if h.known != nil {
		x = latent.Blend(x, h.known, h.mask)
	}

	var trajectory *tensor.Dense
	if h.opts.Trajectory {
		trajectory = latent.Zeros(steps, b, c, hh, w)
	}

	for i := range steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		tCur, tNext := sigmas[i], sigmas[i+1]

		xHat, tHat := x, tCur
		if !h.opts.Deterministic {
			var gamma float64
			if h.opts.ChurnMin <= tCur && tCur <= h.opts.ChurnMax {
				gamma = min(h.opts.Churn/float64(steps), math.Sqrt2-1)
			}
			tHat = tCur * (1 + gamma)

			eps, err := latent.Randn(h.gens, b, c, hh, w)
			if err != nil {
				return nil, err
			}
			xHat = latent.AddScaled(x, math.Sqrt(tHat*tHat-tCur*tCur)*h.opts.NoiseScale, eps, h.unknown)
		}

		xHat = h.renoiseKnown(xHat, tHat)

		denoised, err := h.denoise(ctx, xHat, tHat)
		if err != nil {
			return nil, err
		}

		dCur := latent.Derivative(xHat, denoised, tHat)
		xNext := latent.AddScaled(xHat, tNext-tHat, dCur, h.updateGate)

		if i < steps-1 {
			xNext = h.renoiseKnown(xNext, tNext)

			denoised, err := h.denoise(ctx, xNext, tNext)
			if err != nil {
				return nil, err
			}

			dPrime := latent.Derivative(xNext, denoised, tNext)
			xNext = latent.AddScaled(xHat, tNext-tHat, latent.Average(dCur, dPrime), h.updateGate)
		}

		if trajectory != nil {
			stride := b * c * hh * w
			copy(trajectory.Float64s()[i*stride:], xNext.Float64s())
		}

		logutil.Trace("heun step", "step", i, "sigma", tHat, "next", tNext, logutil.Tensor("x", xNext))
		x = xNext

		if h.opts.Progress != nil {
			h.opts.Progress(i+1, steps)
		}
	}

	return &Result{Sample: x, Trajectory: trajectory}, nil
}

// renoiseKnown overwrites known positions of x with the known values noised to sigma.
func (h *heun) renoiseKnown(x *tensor.Dense, sigma float64) *tensor.Dense {
	if !h.renoise {
		return x
	}
	return latent.Blend(x, h.sched.AddNoise(h.known, h.noise, sigma), h.mask)
}

// denoise evaluates the network at noise level sigma and returns the preconditioned
// float64 estimate of the clean state.
func (h *heun) denoise(ctx context.Context, x *tensor.Dense, sigma float64) (*tensor.Dense, error) {
	in := latent.Downcast(h.sched.PreconditionInputs(x, sigma), h.cfg.Precision)
	cNoise := latent.Downcast(latent.Full(h.sched.PreconditionNoise(sigma), h.opts.BatchSize), latent.Float32)

	out, err := h.net.Forward(ctx, in, cNoise, h.cond)
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}

	out, err = latent.Upcast(out)
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}

	if err := latent.CheckShape("network output", out, x.Shape()...); err != nil {
		return nil, err
	}

	return h.sched.PreconditionOutputs(x, out, sigma), nil
}
