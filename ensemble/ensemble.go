// Package ensemble draws large numbers of samples by splitting them into bounded batches,
// seeding every sample from its global index so results do not depend on batching.
package ensemble

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ollama/inpaint/envconfig"
	"github.com/ollama/inpaint/latent"
	"github.com/ollama/inpaint/sampler"
	"github.com/ollama/inpaint/types/errtypes"
)

type SamplerType string

const (
	SamplerEDM      SamplerType = "edm"
	SamplerPipeline SamplerType = "pipeline"
)

type ConditioningType string

const (
	ConditioningXAttn ConditioningType = "xattn"
	ConditioningCFG   ConditioningType = "cfg"
	ConditioningNone  ConditioningType = "uncond"
)

// Pipeline bundles a network with its schedule.
type Pipeline interface {
	Network() sampler.Network
	Schedule() sampler.Schedule
}

// Generator is implemented by pipelines with their own sampling loop. It is used when
// the sampler type is SamplerPipeline.
type Generator interface {
	Generate(ctx context.Context, batchSize int, gens []*latent.Generator, mask, known *tensor.Dense, opts sampler.Options) (*tensor.Dense, error)
}

type pipeline struct {
	net   sampler.Network
	sched sampler.Schedule
}

func NewPipeline(net sampler.Network, sched sampler.Schedule) Pipeline {
	return &pipeline{net: net, sched: sched}
}

func (p *pipeline) Network() sampler.Network   { return p.net }
func (p *pipeline) Schedule() sampler.Schedule { return p.sched }

// Request describes an ensemble run.
type Request struct {
	SampleSize int

	// MaxBatchSize bounds the samples drawn per sampler call. Zero uses
	// envconfig.MaxBatch.
	MaxBatchSize int

	// Mask and Known describe a single sample, shape (1, C, H, W). Mask may also be
	// (H, W). They are repeated across every batch.
	Mask  *tensor.Dense
	Known *tensor.Dense

	ClassLabels *tensor.Dense

	SamplerType      SamplerType
	ConditioningType ConditioningType

	// Options carries the sampler settings. BatchSize, Mask, Known, ClassLabels and
	// Generators are set per batch. Options.Progress is not called; batches report
	// through Progress below.
	Options sampler.Options

	// Parallel bounds the batches sampled concurrently. Zero uses
	// envconfig.NumParallel.
	Parallel int

	// Progress is called with the number of finished samples after each batch.
	Progress func(done, total int)
}

type batchFunc func(ctx context.Context, n int, gens []*latent.Generator, mask, known *tensor.Dense) (*tensor.Dense, error)

// Sample draws req.SampleSize samples and returns them as a (SampleSize, C, H, W)
// tensor. Sample i is seeded with i mod 2^32.
func Sample(ctx context.Context, p Pipeline, req Request) (*tensor.Dense, error) {
	if req.SampleSize <= 0 {
		return nil, fmt.Errorf("%w: sample size %d", errtypes.ErrBatchMismatch, req.SampleSize)
	}

	run, err := dispatch(p, req)
	if err != nil {
		return nil, err
	}

	maxBatch := cmp.Or(req.MaxBatchSize, envconfig.MaxBatch)
	if maxBatch <= 0 {
		return nil, fmt.Errorf("%w: max batch size %d", errtypes.ErrBatchMismatch, maxBatch)
	}

	if req.Mask != nil {
		if req.Mask, err = latent.Upcast(req.Mask); err != nil {
			return nil, fmt.Errorf("mask: %w", err)
		}
	}
	if req.Known != nil {
		if req.Known, err = latent.Upcast(req.Known); err != nil {
			return nil, fmt.Errorf("known latents: %w", err)
		}
	}

	cfg := p.Network().Config()
	out := latent.Zeros(req.SampleSize, cfg.OutChannels, cfg.Height, cfg.Width)

	sizes := Chunks(req.SampleSize, maxBatch)
	slog.Debug("ensemble", "samples", req.SampleSize, "batches", len(sizes), "max_batch", maxBatch, "sampler", req.SamplerType, "conditioning", req.ConditioningType)

	var mu sync.Mutex
	var done int

	sem := semaphore.NewWeighted(int64(max(cmp.Or(req.Parallel, envconfig.NumParallel), 1)))
	g, ctx := errgroup.WithContext(ctx)

	var offset int
	for _, n := range sizes {
		start := offset
		offset += n

		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			mask, known, err := repeat(req.Mask, req.Known, n)
			if err != nil {
				return err
			}

			samples, err := run(ctx, n, latent.Generators(start, n), mask, known)
			if err != nil {
				return fmt.Errorf("samples [%d, %d): %w", start, start+n, err)
			}

			samples, err = latent.Upcast(samples)
			if err != nil {
				return err
			}

			if err := latent.SetBatch(out, start, samples); err != nil {
				return err
			}

			if req.Progress != nil {
				mu.Lock()
				done += n
				req.Progress(done, req.SampleSize)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Chunks splits n into batches of at most size, the last holding the remainder.
func Chunks(n, size int) []int {
	sizes := make([]int, 0, n/size+1)
	for range n / size {
		sizes = append(sizes, size)
	}
	if r := n % size; r > 0 {
		sizes = append(sizes, r)
	}
	return sizes
}

// dispatch resolves the sampling function for req, failing on combinations that have no
// sampler.
func dispatch(p Pipeline, req Request) (batchFunc, error) {
	samplerType := cmp.Or(req.SamplerType, SamplerEDM)
	conditioning := cmp.Or(req.ConditioningType, ConditioningXAttn)

	switch samplerType {
	case SamplerEDM:
		var fn func(context.Context, sampler.Network, sampler.Schedule, sampler.Options) (*sampler.Result, error)
		switch conditioning {
		case ConditioningXAttn, ConditioningCFG:
			fn = sampler.Conditioned
		case ConditioningNone:
			fn = sampler.Unconditioned
		default:
			return nil, &errtypes.UnsupportedError{
				Kind:    "conditioning type",
				Value:   string(conditioning),
				Allowed: []string{string(ConditioningXAttn), string(ConditioningCFG), string(ConditioningNone)},
			}
		}

		return func(ctx context.Context, n int, gens []*latent.Generator, mask, known *tensor.Dense) (*tensor.Dense, error) {
			opts := req.Options
			opts.Progress = nil
			opts.BatchSize = n
			opts.Generators = gens
			opts.Mask = mask
			opts.Known = known
			opts.ClassLabels = req.ClassLabels

			result, err := fn(ctx, p.Network(), p.Schedule().Clone(), opts)
			if err != nil {
				return nil, err
			}
			return result.Sample, nil
		}, nil
	case SamplerPipeline:
		gen, ok := p.(Generator)
		if !ok {
			return nil, fmt.Errorf("%w: pipeline %T has no sampling loop", errtypes.ErrUnsupported, p)
		}

		return func(ctx context.Context, n int, gens []*latent.Generator, mask, known *tensor.Dense) (*tensor.Dense, error) {
			opts := req.Options
			opts.Progress = nil
			opts.ClassLabels = req.ClassLabels
			return gen.Generate(ctx, n, gens, mask, known, opts)
		}, nil
	default:
		return nil, &errtypes.UnsupportedError{
			Kind:    "sampler type",
			Value:   string(samplerType),
			Allowed: []string{string(SamplerEDM), string(SamplerPipeline)},
		}
	}
}

// repeat expands a single-sample mask and known latents to a batch of n. A spatial
// (H, W) mask is left for the sampler to broadcast.
func repeat(mask, known *tensor.Dense, n int) (*tensor.Dense, *tensor.Dense, error) {
	var err error
	if mask != nil && len(mask.Shape()) == 4 {
		if mask, err = latent.RepeatBatch(mask, n); err != nil {
			return nil, nil, fmt.Errorf("mask: %w", err)
		}
	}

	if known != nil {
		if known, err = latent.RepeatBatch(known, n); err != nil {
			return nil, nil, fmt.Errorf("known latents: %w", err)
		}
	}
	return mask, known, nil
}
