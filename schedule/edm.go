// Package schedule provides the EDM noise-level schedule (Karras et al. 2022) used by the
// samplers, including its input, output and noise-level preconditioning.
package schedule

import (
	"fmt"
	"math"
	"slices"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/floats"

	"github.com/ollama/inpaint/sampler"
	"github.com/ollama/inpaint/types/errtypes"
)

const (
	PredictionEpsilon = "epsilon"
	PredictionV       = "v_prediction"

	SpacingKarras      = "karras"
	SpacingExponential = "exponential"

	FinalZero     = "zero"
	FinalSigmaMin = "sigma_min"
)

// Config holds EDM scheduler configuration.
type Config struct {
	SigmaMin        float64 `json:"sigma_min" yaml:"sigma_min"`                 // 0.002
	SigmaMax        float64 `json:"sigma_max" yaml:"sigma_max"`                 // 80
	SigmaData       float64 `json:"sigma_data" yaml:"sigma_data"`               // 0.5
	Rho             float64 `json:"rho" yaml:"rho"`                             // 7
	PredictionType  string  `json:"prediction_type" yaml:"prediction_type"`     // epsilon
	SigmaSchedule   string  `json:"sigma_schedule" yaml:"sigma_schedule"`       // karras
	FinalSigmasType string  `json:"final_sigmas_type" yaml:"final_sigmas_type"` // zero
}

func DefaultConfig() Config {
	return Config{
		SigmaMin:        0.002,
		SigmaMax:        80,
		SigmaData:       0.5,
		Rho:             7,
		PredictionType:  PredictionEpsilon,
		SigmaSchedule:   SpacingKarras,
		FinalSigmasType: FinalZero,
	}
}

// Validate reports the first invalid field of c.
func (c Config) Validate() error {
	switch {
	case !(c.SigmaMin > 0):
		return fmt.Errorf("sigma_min must be positive, got %v", c.SigmaMin)
	case !(c.SigmaMax > c.SigmaMin):
		return fmt.Errorf("sigma_max %v must exceed sigma_min %v", c.SigmaMax, c.SigmaMin)
	case !(c.SigmaData > 0):
		return fmt.Errorf("sigma_data must be positive, got %v", c.SigmaData)
	case !(c.Rho > 0):
		return fmt.Errorf("rho must be positive, got %v", c.Rho)
	}

	for _, f := range []struct {
		kind    string
		value   string
		allowed []string
	}{
		{"prediction type", c.PredictionType, []string{PredictionEpsilon, PredictionV}},
		{"sigma schedule", c.SigmaSchedule, []string{SpacingKarras, SpacingExponential}},
		{"final sigmas type", c.FinalSigmasType, []string{FinalZero, FinalSigmaMin}},
	} {
		if !slices.Contains(f.allowed, f.value) {
			return &errtypes.UnsupportedError{Kind: f.kind, Value: f.value, Allowed: f.allowed}
		}
	}
	return nil
}

// EDM implements sampler.Schedule.
type EDM struct {
	Config Config
	sigmas []float64
}

func New(cfg Config) (*EDM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &EDM{Config: cfg}, nil
}

// SetTimesteps computes steps sigmas from SigmaMax down to SigmaMin and appends the
// final sigma.
func (s *EDM) SetTimesteps(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}

	ramp := make([]float64, steps)
	if steps > 1 {
		floats.Span(ramp, 0, 1)
	}

	sigmas := make([]float64, steps+1)
	switch s.Config.SigmaSchedule {
	case SpacingExponential:
		hi, lo := math.Log(s.Config.SigmaMax), math.Log(s.Config.SigmaMin)
		for i, r := range ramp {
			sigmas[i] = math.Exp(hi + r*(lo-hi))
		}
	default:
		hi := math.Pow(s.Config.SigmaMax, 1/s.Config.Rho)
		lo := math.Pow(s.Config.SigmaMin, 1/s.Config.Rho)
		for i, r := range ramp {
			sigmas[i] = math.Pow(hi+r*(lo-hi), s.Config.Rho)
		}
	}

	if s.Config.FinalSigmasType == FinalSigmaMin {
		sigmas[steps] = s.Config.SigmaMin
	}

	s.sigmas = sigmas
	return nil
}

func (s *EDM) Sigmas() []float64 {
	return s.sigmas
}

// Coefficients returns the EDM preconditioning coefficients at noise level sigma.
func (s *EDM) Coefficients(sigma float64) (cIn, cSkip, cOut float64) {
	sd2 := s.Config.SigmaData * s.Config.SigmaData
	norm := math.Sqrt(sigma*sigma + sd2)

	cIn = 1 / norm
	cSkip = sd2 / (sigma*sigma + sd2)
	cOut = sigma * s.Config.SigmaData / norm
	if s.Config.PredictionType == PredictionV {
		cOut = -cOut
	}
	return cIn, cSkip, cOut
}

func (s *EDM) PreconditionInputs(x *tensor.Dense, sigma float64) *tensor.Dense {
	cIn, _, _ := s.Coefficients(sigma)
	return scale(x, cIn)
}

func (s *EDM) PreconditionNoise(sigma float64) float64 {
	if s.Config.PredictionType == PredictionV {
		return math.Atan(sigma) / math.Pi * 2
	}
	return 0.25 * math.Log(sigma)
}

// SigmaFromNoise inverts PreconditionNoise.
func (s *EDM) SigmaFromNoise(cNoise float64) float64 {
	if s.Config.PredictionType == PredictionV {
		return math.Tan(cNoise * math.Pi / 2)
	}
	return math.Exp(4 * cNoise)
}

// PreconditionOutputs combines the state x and the network output into a denoised
// estimate: c_skip*x + c_out*out.
func (s *EDM) PreconditionOutputs(x, out *tensor.Dense, sigma float64) *tensor.Dense {
	_, cSkip, cOut := s.Coefficients(sigma)

	data := make([]float64, len(x.Float64s()))
	floats.ScaleTo(data, cSkip, x.Float64s())
	floats.AddScaled(data, cOut, out.Float64s())
	return tensor.New(tensor.WithShape(x.Shape().Clone()...), tensor.WithBacking(data))
}

// AddNoise returns clean + noise*sigma.
func (s *EDM) AddNoise(clean, noise *tensor.Dense, sigma float64) *tensor.Dense {
	data := make([]float64, len(clean.Float64s()))
	floats.AddScaledTo(data, clean.Float64s(), sigma, noise.Float64s())
	return tensor.New(tensor.WithShape(clean.Shape().Clone()...), tensor.WithBacking(data))
}

func (s *EDM) Clone() sampler.Schedule {
	return &EDM{Config: s.Config, sigmas: slices.Clone(s.sigmas)}
}

func scale(x *tensor.Dense, c float64) *tensor.Dense {
	data := make([]float64, len(x.Float64s()))
	floats.ScaleTo(data, c, x.Float64s())
	return tensor.New(tensor.WithShape(x.Shape().Clone()...), tensor.WithBacking(data))
}
