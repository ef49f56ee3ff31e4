package sampler_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/ollama/inpaint/denoise"
	"github.com/ollama/inpaint/latent"
	"github.com/ollama/inpaint/mask"
	"github.com/ollama/inpaint/sampler"
	"github.com/ollama/inpaint/schedule"
	"github.com/ollama/inpaint/types/errtypes"
)

func newGaussian(t testing.TB, c, h, w int, mean, std float64) (*denoise.Gaussian, *schedule.EDM) {
	t.Helper()

	sched, err := schedule.New(schedule.DefaultConfig())
	require.NoError(t, err)

	means, stds := make([]float64, c), make([]float64, c)
	for i := range c {
		means[i], stds[i] = mean, std
	}

	g, err := denoise.NewGaussian(sampler.NetworkConfig{OutChannels: c, Height: h, Width: w}, sched, means, stds)
	require.NoError(t, err)
	return g, sched
}

// recorder wraps a network and records what it receives.
type recorder struct {
	sampler.Network
	calls   int
	cNoise  [][]float32
	context []int
}

func (r *recorder) Forward(ctx context.Context, x, cNoise *tensor.Dense, cond sampler.Conditioning) (*tensor.Dense, error) {
	r.calls++
	r.cNoise = append(r.cNoise, cNoise.Float32s())
	if cond.Context != nil {
		r.context = []int(cond.Context.Shape().Clone())
	}
	return r.Network.Forward(ctx, x, cNoise, cond)
}

func TestConditionedAllKnown(t *testing.T) {
	net, sched := newGaussian(t, 2, 4, 4, 0, 1)

	known, err := latent.Randn(latent.Generators(100, 2), 2, 2, 4, 4)
	require.NoError(t, err)

	opts := sampler.DefaultOptions()
	opts.BatchSize = 2
	opts.Steps = 6
	opts.Mask = latent.Full(1, 4, 4)
	opts.Known = known
	opts.Deterministic = false
	opts.Churn = 40
	opts.NoiseScale = 1

	result, err := sampler.Conditioned(t.Context(), net, sched, opts)
	require.NoError(t, err)

	if diff := cmp.Diff(known.Float64s(), result.Sample.Float64s()); diff != "" {
		t.Errorf("sample differs from known latents (-want +got):\n%s", diff)
	}
}

func TestConditionedKeepsKnownPositions(t *testing.T) {
	net, sched := newGaussian(t, 1, 8, 8, 0.5, 1)

	m, err := mask.Scatter([]int{1, 1, 8, 8}, mask.ScatterOptions{Ratios: []float64{0.3}, Generator: latent.NewGenerator(3)})
	require.NoError(t, err)

	known := latent.Full(4, 1, 1, 8, 8)

	opts := sampler.DefaultOptions()
	opts.Steps = 8
	opts.Mask = m
	opts.Known = known

	result, err := sampler.Conditioned(t.Context(), net, sched, opts)
	require.NoError(t, err)

	sample, md := result.Sample.Float64s(), m.Float64s()
	var unknown []float64
	for i, v := range md {
		if v == 1 {
			assert.Equal(t, 4.0, sample[i])
		} else {
			unknown = append(unknown, sample[i])
		}
	}

	// unknown positions are generated, not copied
	assert.NotContains(t, unknown, 4.0)
}

func TestConditionedFloat32Inputs(t *testing.T) {
	net, sched := newGaussian(t, 1, 4, 4, 0, 1)

	m, err := mask.Patch([]int{1, 1, 4, 4}, nil, 0.5)
	require.NoError(t, err)

	opts := sampler.DefaultOptions()
	opts.Steps = 4
	opts.Mask = m
	opts.Known = latent.Full(-2, 1, 1, 4, 4)

	want, err := sampler.Conditioned(t.Context(), net, sched, opts)
	require.NoError(t, err)

	opts.Mask = latent.Downcast(m, latent.Float32)
	opts.Known = latent.Downcast(opts.Known, latent.Float32)

	got, err := sampler.Conditioned(t.Context(), net, sched.Clone(), opts)
	require.NoError(t, err)

	if diff := cmp.Diff(want.Sample.Float64s(), got.Sample.Float64s()); diff != "" {
		t.Errorf("float32 inputs changed the sample (-float64 +float32):\n%s", diff)
	}
}

func TestNetworkInputs(t *testing.T) {
	net, sched := newGaussian(t, 3, 4, 4, 0, 1)
	rec := &recorder{Network: net}

	m, err := mask.Patch([]int{1, 3, 4, 4}, []int{0}, 0.5)
	require.NoError(t, err)
	m, err = latent.RepeatBatch(m, 2)
	require.NoError(t, err)

	opts := sampler.DefaultOptions()
	opts.BatchSize = 2
	opts.Steps = 5
	opts.Mask = m
	opts.Known = latent.Zeros(2, 3, 4, 4)
	opts.KnownChannel = 0

	var progress []int
	opts.Progress = func(step, total int) {
		assert.Equal(t, 5, total)
		progress = append(progress, step)
	}

	_, err = sampler.Conditioned(t.Context(), rec, sched, opts)
	require.NoError(t, err)

	// two evaluations per step except the last
	assert.Equal(t, 9, rec.calls)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, progress)

	// known latents plus one mask channel
	assert.Equal(t, []int{2, 4, 4, 4}, rec.context)

	require.NoError(t, sched.SetTimesteps(5))
	first := float32(sched.PreconditionNoise(sched.Sigmas()[0]))
	assert.Equal(t, []float32{first, first}, rec.cNoise[0])
}

func TestDeterminism(t *testing.T) {
	for name, run := range map[string]func(context.Context, sampler.Network, sampler.Schedule, sampler.Options) (*sampler.Result, error){
		"conditioned":   sampler.Conditioned,
		"unconditioned": sampler.Unconditioned,
	} {
		t.Run(name, func(t *testing.T) {
			draw := func() []float64 {
				net, sched := newGaussian(t, 2, 6, 6, 0, 1)

				m, err := mask.Scatter([]int{3, 2, 6, 6}, mask.ScatterOptions{Ratios: []float64{0.2}, Generator: latent.NewGenerator(9)})
				require.NoError(t, err)

				opts := sampler.DefaultOptions()
				opts.BatchSize = 3
				opts.Steps = 6
				opts.Mask = m
				opts.Known = latent.Full(1, 3, 2, 6, 6)
				opts.RenoiseKnown = true
				opts.Deterministic = false
				opts.Churn = 10
				opts.NoiseScale = 1
				opts.Generators = latent.Generators(7, 3)

				result, err := run(t.Context(), net, sched, opts)
				require.NoError(t, err)
				return result.Sample.Float64s()
			}

			if diff := cmp.Diff(draw(), draw()); diff != "" {
				t.Errorf("runs differ (-first +second):\n%s", diff)
			}
		})
	}
}

func TestPerSampleSeeds(t *testing.T) {
	net, sched := newGaussian(t, 1, 4, 4, 0, 1)

	opts := sampler.DefaultOptions()
	opts.BatchSize = 3
	opts.Steps = 4
	opts.Generators = latent.Generators(20, 3)

	batch, err := sampler.Unconditioned(t.Context(), net, sched, opts)
	require.NoError(t, err)

	opts.BatchSize = 1
	opts.Generators = latent.Generators(22, 1)

	single, err := sampler.Unconditioned(t.Context(), net, sched.Clone(), opts)
	require.NoError(t, err)

	row, err := latent.Batch(batch.Sample, 2, 3)
	require.NoError(t, err)
	if diff := cmp.Diff(single.Sample.Float64s(), row.Float64s()); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestTrajectory(t *testing.T) {
	net, sched := newGaussian(t, 2, 3, 5, 0, 1)

	opts := sampler.DefaultOptions()
	opts.BatchSize = 2
	opts.Steps = 7
	opts.Trajectory = true

	result, err := sampler.Unconditioned(t.Context(), net, sched, opts)
	require.NoError(t, err)
	require.NotNil(t, result.Trajectory)
	assert.Equal(t, []int{7, 2, 2, 3, 5}, []int(result.Trajectory.Shape()))

	last, err := latent.Batch(result.Trajectory, 6, 7)
	require.NoError(t, err)
	assert.Equal(t, result.Sample.Float64s(), last.Float64s())

	opts.Trajectory = false
	result, err = sampler.Unconditioned(t.Context(), net, sched, opts)
	require.NoError(t, err)
	assert.Nil(t, result.Trajectory)
}

func TestGaussianTarget(t *testing.T) {
	net, sched := newGaussian(t, 1, 32, 32, 2, 0.5)

	opts := sampler.DefaultOptions()
	opts.Generators = latent.Generators(1, 1)

	result, err := sampler.Unconditioned(t.Context(), net, sched, opts)
	require.NoError(t, err)

	mean, std := stat.MeanStdDev(result.Sample.Float64s(), nil)
	assert.InDelta(t, 2, mean, 0.1)
	assert.InDelta(t, 0.5, std, 0.1)
}

func TestUnconditionedKnown(t *testing.T) {
	net, sched := newGaussian(t, 1, 8, 8, 0, 1)

	m, err := mask.Patch([]int{1, 1, 8, 8}, nil, 0.5)
	require.NoError(t, err)

	opts := sampler.DefaultOptions()
	opts.Steps = 12
	opts.Mask = m
	opts.Known = latent.Full(0.75, 1, 1, 8, 8)

	result, err := sampler.Unconditioned(t.Context(), net, sched, opts)
	require.NoError(t, err)

	sample := result.Sample.Float64s()
	for i, v := range m.Float64s() {
		if v == 1 {
			// the final step denoises the re-noised known values
			assert.InDelta(t, 0.75, sample[i], 0.05)
		}
	}
}

func TestErrors(t *testing.T) {
	net, sched := newGaussian(t, 2, 4, 4, 0, 1)

	cases := []struct {
		name   string
		run    func(context.Context, sampler.Network, sampler.Schedule, sampler.Options) (*sampler.Result, error)
		modify func(*sampler.Options)
		err    error
	}{
		{
			name:   "missing known",
			run:    sampler.Conditioned,
			modify: func(o *sampler.Options) { o.Mask = latent.Full(1, 4, 4) },
			err:    errtypes.ErrMissingKnown,
		},
		{
			name:   "missing mask",
			run:    sampler.Conditioned,
			modify: func(o *sampler.Options) { o.Known = latent.Zeros(1, 2, 4, 4) },
			err:    errtypes.ErrMissingKnown,
		},
		{
			name: "known batch",
			run:  sampler.Unconditioned,
			modify: func(o *sampler.Options) {
				o.BatchSize = 2
				o.Known = latent.Zeros(1, 2, 4, 4)
			},
			err: errtypes.ErrBatchMismatch,
		},
		{
			name:   "known shape",
			run:    sampler.Unconditioned,
			modify: func(o *sampler.Options) { o.Known = latent.Zeros(1, 3, 4, 4) },
			err:    errtypes.ErrShapeMismatch,
		},
		{
			name:   "mask shape",
			run:    sampler.Unconditioned,
			modify: func(o *sampler.Options) { o.Mask = latent.Zeros(5, 5) },
			err:    errtypes.ErrShapeMismatch,
		},
		{
			name: "known channel",
			run:  sampler.Conditioned,
			modify: func(o *sampler.Options) {
				o.Known = latent.Zeros(1, 2, 4, 4)
				o.Mask = latent.Full(1, 4, 4)
				o.KnownChannel = 2
			},
			err: errtypes.ErrShapeMismatch,
		},
		{
			name: "generators",
			run:  sampler.Unconditioned,
			modify: func(o *sampler.Options) {
				o.BatchSize = 3
				o.Generators = latent.Generators(0, 2)
			},
			err: errtypes.ErrBatchMismatch,
		},
		{
			name:   "steps",
			run:    sampler.Unconditioned,
			modify: func(o *sampler.Options) { o.Steps = 0 },
			err:    sampler.ErrInvalidSteps,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			opts := sampler.DefaultOptions()
			tt.modify(&opts)
			_, err := tt.run(t.Context(), net, sched, opts)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestCancel(t *testing.T) {
	net, sched := newGaussian(t, 1, 4, 4, 0, 1)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	opts := sampler.DefaultOptions()
	opts.Progress = func(step, _ int) {
		if step == 2 {
			cancel()
		}
	}

	_, err := sampler.Unconditioned(ctx, net, sched, opts)
	require.ErrorIs(t, err, context.Canceled)
}

func BenchmarkConditioned(b *testing.B) {
	net, sched := newGaussian(b, 4, 32, 32, 0, 1)

	opts := sampler.DefaultOptions()
	opts.BatchSize = 4
	opts.Mask = latent.Full(0, 32, 32)
	opts.Known = latent.Zeros(4, 4, 32, 32)

	for b.Loop() {
		if _, err := sampler.Conditioned(b.Context(), net, sched, opts); err != nil {
			b.Fatal(err)
		}
	}
}
