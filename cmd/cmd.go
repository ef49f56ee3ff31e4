package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pdevine/tensor"
	"github.com/spf13/cobra"

	"github.com/ollama/inpaint/ensemble"
	"github.com/ollama/inpaint/envconfig"
	"github.com/ollama/inpaint/latent"
	"github.com/ollama/inpaint/logutil"
	"github.com/ollama/inpaint/mask"
	"github.com/ollama/inpaint/noise"
	"github.com/ollama/inpaint/progress"
	"github.com/ollama/inpaint/version"
)

var errShapeFlag = errors.New("--shape must list batch, channels, height and width")

func SampleHandler(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	output, _ := cmd.Flags().GetString("output")

	rc, err := LoadRunConfig(path)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("samples") {
		rc.Samples, _ = cmd.Flags().GetInt("samples")
	}
	if cmd.Flags().Changed("steps") {
		rc.Sampler.Steps, _ = cmd.Flags().GetInt("steps")
	}

	p, req, err := rc.Build()
	if err != nil {
		return err
	}

	bar := progress.NewBar("sampling", req.SampleSize)
	req.Progress = func(done, total int) {
		bar.Set(done)
	}

	status := progress.NewProgress(cmd.ErrOrStderr())
	status.Add(bar)

	start := time.Now()
	samples, err := ensemble.Sample(cmd.Context(), p, req)
	status.Stop()
	if err != nil {
		return err
	}
	slog.Info("sampling complete", "samples", req.SampleSize, "steps", rc.Sampler.Steps, "elapsed", time.Since(start), logutil.Tensor("output", samples))

	if err := writeTensor(output, samples); err != nil {
		return err
	}

	return prettyPrintStats(cmd.OutOrStdout(), samples)
}

func MaskHandler(cmd *cobra.Command, args []string) error {
	shape, _ := cmd.Flags().GetIntSlice("shape")
	if len(shape) != 4 {
		return errShapeFlag
	}

	channels, _ := cmd.Flags().GetIntSlice("channels")
	if len(channels) == 0 {
		channels = nil
	}
	ratio, _ := cmd.Flags().GetFloat64("ratio")
	output, _ := cmd.Flags().GetString("output")

	var m *tensor.Dense
	var err error
	switch cmd.Name() {
	case maskScatter:
		opts := mask.ScatterOptions{Channels: channels}
		opts.Ratios, _ = cmd.Flags().GetFloat64Slice("ratios")
		if len(opts.Ratios) == 0 {
			opts.Ratios = []float64{ratio}
		}
		opts.X, _ = cmd.Flags().GetIntSlice("x")
		opts.Y, _ = cmd.Flags().GetIntSlice("y")
		if len(opts.X) == 0 && len(opts.Y) == 0 {
			opts.X, opts.Y = nil, nil
		}

		seed, _ := cmd.Flags().GetUint64("seed")
		opts.Generator = latent.NewGenerator(seed)

		m, err = mask.Scatter(shape, opts)
	case maskPatch:
		m, err = mask.Patch(shape, channels, ratio)
	default:
		return fmt.Errorf("unknown mask command %q", cmd.Name())
	}
	if err != nil {
		return err
	}

	if err := writeTensor(output, m); err != nil {
		return err
	}

	return prettyPrintMask(cmd.OutOrStdout(), m)
}

func NoiseHandler(cmd *cobra.Command, args []string) error {
	shape, _ := cmd.Flags().GetIntSlice("shape")
	if len(shape) != 4 {
		return errShapeFlag
	}

	s, _ := cmd.Flags().GetString("type")
	typ, err := noise.ParseType(s)
	if err != nil {
		return err
	}

	normalize, _ := cmd.Flags().GetBool("normalize")
	seed, _ := cmd.Flags().GetUint64("seed")
	output, _ := cmd.Flags().GetString("output")

	x, err := noise.Colored(shape, typ, normalize, latent.NewGenerator(seed))
	if err != nil {
		return err
	}

	if err := writeTensor(output, x); err != nil {
		return err
	}

	return prettyPrintStats(cmd.OutOrStdout(), x)
}

func EnvHandler(cmd *cobra.Command, args []string) error {
	if example, _ := cmd.Flags().GetBool("example"); example {
		_, err := fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
		return err
	}

	prettyPrintEnv(cmd.OutOrStdout())
	return nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "inpaint",
		Short:   "Masked diffusion sampling",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel))
		},
	}

	cobra.EnableCommandSorting = false

	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Draw an ensemble of samples",
		Long:  "Draw an ensemble of samples described by a YAML run config and write them to a tensor file",
		Args:  cobra.NoArgs,
		RunE:  SampleHandler,
	}

	sampleCmd.Flags().StringP("file", "f", "run.yaml", "Path to the run config")
	sampleCmd.Flags().StringP("output", "o", "samples.cbor", "Path to write the samples")
	sampleCmd.Flags().Int("samples", 0, "Number of samples, overriding the run config")
	sampleCmd.Flags().Int("steps", 0, "Number of inference steps, overriding the run config")

	maskCmd := &cobra.Command{
		Use:   "mask",
		Short: "Build an inpainting mask",
	}

	scatterCmd := &cobra.Command{
		Use:   maskScatter,
		Short: "Mark randomly scattered points as known",
		Args:  cobra.NoArgs,
		RunE:  MaskHandler,
	}

	scatterCmd.Flags().Float64Slice("ratios", nil, "Known fraction per batch element")
	scatterCmd.Flags().IntSlice("x", nil, "Column of each known point")
	scatterCmd.Flags().IntSlice("y", nil, "Row of each known point")
	scatterCmd.Flags().Uint64("seed", 0, "Random seed")

	patchCmd := &cobra.Command{
		Use:   maskPatch,
		Short: "Mark everything outside a centered square as known",
		Args:  cobra.NoArgs,
		RunE:  MaskHandler,
	}

	for _, c := range []*cobra.Command{scatterCmd, patchCmd} {
		c.Flags().IntSlice("shape", []int{1, 1, 64, 64}, "Mask shape as batch,channels,height,width")
		c.Flags().IntSlice("channels", nil, "Channels the mask applies to (default all)")
		c.Flags().Float64("ratio", 0.1, "Known fraction, or patch side relative to the shorter edge")
		c.Flags().StringP("output", "o", "mask.cbor", "Path to write the mask")
	}

	maskCmd.AddCommand(scatterCmd, patchCmd)

	noiseCmd := &cobra.Command{
		Use:   "noise",
		Short: "Generate colored noise",
		Args:  cobra.NoArgs,
		RunE:  NoiseHandler,
	}

	noiseCmd.Flags().IntSlice("shape", []int{1, 1, 64, 64}, "Noise shape as batch,channels,height,width")
	noiseCmd.Flags().StringP("type", "t", string(noise.Pink), "Noise color (white, pink, red, blue, purple)")
	noiseCmd.Flags().Bool("normalize", false, "Rescale every slice to [-1, 1]")
	noiseCmd.Flags().Uint64("seed", 0, "Random seed")
	noiseCmd.Flags().StringP("output", "o", "noise.cbor", "Path to write the noise")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	envCmd.Flags().Bool("example", false, "Print an example config.yaml")

	rootCmd.AddCommand(
		sampleCmd,
		maskCmd,
		noiseCmd,
		envCmd,
	)

	return rootCmd
}
