package cmd

import (
	"fmt"
	"os"

	"github.com/pdevine/tensor"
	"gopkg.in/yaml.v3"

	"github.com/ollama/inpaint/denoise"
	"github.com/ollama/inpaint/ensemble"
	"github.com/ollama/inpaint/envconfig"
	"github.com/ollama/inpaint/latent"
	"github.com/ollama/inpaint/mask"
	"github.com/ollama/inpaint/noise"
	"github.com/ollama/inpaint/sampler"
	"github.com/ollama/inpaint/schedule"
	"github.com/ollama/inpaint/types/errtypes"
)

// RunConfig is the YAML description of a sampling run.
type RunConfig struct {
	Network  NetworkSpec     `yaml:"network"`
	Schedule schedule.Config `yaml:"schedule"`
	Sampler  sampler.Options `yaml:"sampler"`
	Mask     MaskSpec        `yaml:"mask"`
	Known    KnownSpec       `yaml:"known"`

	Samples  int `yaml:"samples"`
	MaxBatch int `yaml:"max_batch"`
	Parallel int `yaml:"parallel"`

	SamplerType  ensemble.SamplerType      `yaml:"sampler_type"`
	Conditioning ensemble.ConditioningType `yaml:"conditioning"`
}

// NetworkSpec configures the Gaussian denoiser. Mean and Std default to 0 and 1 for
// every channel.
type NetworkSpec struct {
	sampler.NetworkConfig `yaml:",inline"`

	Mean []float64 `yaml:"mean"`
	Std  []float64 `yaml:"std"`
}

const (
	maskNone    = "none"
	maskScatter = "scatter"
	maskPatch   = "patch"
	maskFile    = "file"
)

type MaskSpec struct {
	Type     string  `yaml:"type"`
	Channels []int   `yaml:"channels"`
	Ratio    float64 `yaml:"ratio"`
	X        []int   `yaml:"x"`
	Y        []int   `yaml:"y"`
	Seed     uint64  `yaml:"seed"`
	Path     string  `yaml:"path"`
}

// KnownSpec supplies the known latents, read from a tensor file or drawn as colored
// noise. Both empty means no known latents.
type KnownSpec struct {
	Path      string     `yaml:"path"`
	Noise     noise.Type `yaml:"noise"`
	Normalize bool       `yaml:"normalize"`
	Seed      uint64     `yaml:"seed"`
}

func defaultRunConfig() RunConfig {
	opts := sampler.DefaultOptions()
	opts.Steps = envconfig.Steps

	return RunConfig{
		Schedule: schedule.DefaultConfig(),
		Sampler:  opts,
		Samples:  1,
	}
}

// LoadRunConfig reads a run config from path. Fields missing from the file keep their
// defaults.
func LoadRunConfig(path string) (*RunConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	rc := defaultRunConfig()
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("error parsing run config %s: %w", path, err)
	}

	if rc.Network.OutChannels <= 0 || rc.Network.Height <= 0 || rc.Network.Width <= 0 {
		return nil, fmt.Errorf("%w: network output (%d, %d, %d)", errtypes.ErrShapeMismatch, rc.Network.OutChannels, rc.Network.Height, rc.Network.Width)
	}
	return &rc, nil
}

// Build resolves the run config into a pipeline and an ensemble request.
func (s *RunConfig) Build() (ensemble.Pipeline, ensemble.Request, error) {
	sched, err := schedule.New(s.Schedule)
	if err != nil {
		return nil, ensemble.Request{}, err
	}

	c := s.Network.OutChannels
	mean, std := s.Network.Mean, s.Network.Std
	if mean == nil {
		mean = make([]float64, c)
	}
	if std == nil {
		std = make([]float64, c)
		for i := range std {
			std[i] = 1
		}
	}

	net, err := denoise.NewGaussian(s.Network.NetworkConfig, sched, mean, std)
	if err != nil {
		return nil, ensemble.Request{}, err
	}

	m, err := s.buildMask()
	if err != nil {
		return nil, ensemble.Request{}, fmt.Errorf("mask: %w", err)
	}

	known, err := s.buildKnown()
	if err != nil {
		return nil, ensemble.Request{}, fmt.Errorf("known latents: %w", err)
	}

	return ensemble.NewPipeline(net, sched), ensemble.Request{
		SampleSize:       s.Samples,
		MaxBatchSize:     s.MaxBatch,
		Mask:             m,
		Known:            known,
		SamplerType:      s.SamplerType,
		ConditioningType: s.Conditioning,
		Options:          s.Sampler,
		Parallel:         s.Parallel,
	}, nil
}

func (s *RunConfig) shape() []int {
	return []int{1, s.Network.OutChannels, s.Network.Height, s.Network.Width}
}

func (s *RunConfig) buildMask() (*tensor.Dense, error) {
	switch s.Mask.Type {
	case "", maskNone:
		return nil, nil
	case maskScatter:
		return mask.Scatter(s.shape(), mask.ScatterOptions{
			Channels:  s.Mask.Channels,
			Ratios:    []float64{s.Mask.Ratio},
			X:         s.Mask.X,
			Y:         s.Mask.Y,
			Generator: latent.NewGenerator(s.Mask.Seed),
		})
	case maskPatch:
		return mask.Patch(s.shape(), s.Mask.Channels, s.Mask.Ratio)
	case maskFile:
		return readTensor(s.Mask.Path)
	default:
		return nil, &errtypes.UnsupportedError{
			Kind:    "mask type",
			Value:   s.Mask.Type,
			Allowed: []string{maskNone, maskScatter, maskPatch, maskFile},
		}
	}
}

func (s *RunConfig) buildKnown() (*tensor.Dense, error) {
	switch {
	case s.Known.Path != "":
		return readTensor(s.Known.Path)
	case s.Known.Noise != "":
		return noise.Colored(s.shape(), s.Known.Noise, s.Known.Normalize, latent.NewGenerator(s.Known.Seed))
	default:
		return nil, nil
	}
}

func readTensor(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return latent.Decode(f)
}

func writeTensor(path string, t *tensor.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := latent.Encode(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
