// Package sampler implements second-order (Heun) EDM sampling with masked known-value
// injection. The denoising network and the noise schedule are supplied by the caller.
package sampler

import (
	"context"
	"math"

	"github.com/pdevine/tensor"

	"github.com/ollama/inpaint/latent"
)

// NetworkConfig describes the output a Network produces.
type NetworkConfig struct {
	OutChannels int              `json:"out_channels" yaml:"out_channels"`
	Height      int              `json:"height" yaml:"height"`
	Width       int              `json:"width" yaml:"width"`
	Precision   latent.Precision `json:"precision" yaml:"precision"`
}

// Conditioning is passed unchanged to every network evaluation.
type Conditioning struct {
	// ClassLabels is optional class-style conditioning.
	ClassLabels *tensor.Dense

	// Context is the side-channel tensor built by the conditioned sampler: the known
	// latents followed by the known-channel slice of the mask.
	Context *tensor.Dense
}

// Network is a denoising network. Forward receives the preconditioned state as a float32
// tensor of shape (B, OutChannels, Height, Width) rounded to the network precision, and
// the noise-level embedding as a float32 tensor of shape (B). It returns a tensor of the
// same shape as x, either float32 or float64.
type Network interface {
	Config() NetworkConfig
	Forward(ctx context.Context, x, cNoise *tensor.Dense, cond Conditioning) (*tensor.Dense, error)
}

// Schedule is a noise-level schedule with EDM-style preconditioning.
type Schedule interface {
	// SetTimesteps prepares steps+1 strictly decreasing sigmas.
	SetTimesteps(steps int) error
	Sigmas() []float64

	PreconditionInputs(x *tensor.Dense, sigma float64) *tensor.Dense
	PreconditionNoise(sigma float64) float64
	PreconditionOutputs(x, out *tensor.Dense, sigma float64) *tensor.Dense

	// AddNoise returns clean values noised to level sigma using noise.
	AddNoise(clean, noise *tensor.Dense, sigma float64) *tensor.Dense

	// Clone returns an independent copy so concurrent runs do not share state.
	Clone() Schedule
}

// Options configures a sampler run.
type Options struct {
	BatchSize int `yaml:"batch_size"`
	Steps     int `yaml:"steps"`

	// Stochastic churn, ignored when Deterministic is set.
	Churn      float64 `yaml:"s_churn"`
	ChurnMin   float64 `yaml:"s_min"`
	ChurnMax   float64 `yaml:"s_max"`
	NoiseScale float64 `yaml:"s_noise"`

	Deterministic bool `yaml:"deterministic"`

	// Mask marks known positions with 1. It may be (H, W), (1, C, H, W) or
	// (B, C, H, W). Nil means nothing is known.
	Mask *tensor.Dense `yaml:"-"`

	// Known holds the known values, shape (B, C, H, W).
	Known *tensor.Dense `yaml:"-"`

	// KnownChannel selects the mask channel appended to the side channel by the
	// conditioned sampler.
	KnownChannel int `yaml:"known_channel"`

	ClassLabels *tensor.Dense `yaml:"-"`

	// RenoiseKnown re-noises known values to the current noise level before every
	// network evaluation. Only the conditioned sampler reads it; the unconditioned
	// sampler always re-noises when Known is set.
	RenoiseKnown bool `yaml:"renoise_known"`

	// Trajectory records the state after every step.
	Trajectory bool `yaml:"trajectory"`

	// Generators holds one generator per batch element, or a single generator for the
	// whole batch. Nil seeds element i with i.
	Generators []*latent.Generator `yaml:"-"`

	// Progress is called after each step.
	Progress func(step, total int) `yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		BatchSize:     1,
		Steps:         18,
		ChurnMax:      math.Inf(1),
		Deterministic: true,
	}
}

// Result is the output of a sampler run.
type Result struct {
	// Sample has shape (B, C, H, W).
	Sample *tensor.Dense

	// Trajectory has shape (Steps, B, C, H, W) and is nil unless requested.
	Trajectory *tensor.Dense
}
