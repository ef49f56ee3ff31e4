package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ollama/inpaint/logutil"
)

func TestConfig(t *testing.T) {
	t.Setenv("INPAINT_HOME", t.TempDir())
	t.Setenv("INPAINT_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	require.Equal(t, slog.LevelInfo, LogLevel)

	t.Setenv("INPAINT_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)

	t.Setenv("INPAINT_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)
	require.Equal(t, slog.LevelDebug, LogLevel)

	t.Setenv("INPAINT_DEBUG", "2")
	LoadConfig()
	require.True(t, Debug)
	require.Equal(t, logutil.LevelTrace, LogLevel)

	t.Setenv("INPAINT_DEBUG", "yes please")
	LoadConfig()
	require.Equal(t, slog.LevelDebug, LogLevel)
}

func TestPositive(t *testing.T) {
	cases := map[string]struct {
		value  string
		expect int
	}{
		"empty":    {"", 64},
		"set":      {"8", 8},
		"quoted":   {"\"16\"", 16},
		"zero":     {"0", 64},
		"negative": {"-3", 64},
		"garbage":  {"lots", 64},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("INPAINT_HOME", t.TempDir())
			t.Setenv("INPAINT_MAX_BATCH", tt.value)
			LoadConfig()
			assert.Equal(t, tt.expect, MaxBatch)
		})
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv("INPAINT_HOME", t.TempDir())
	for _, k := range []string{"INPAINT_DEBUG", "INPAINT_MAX_BATCH", "INPAINT_NUM_PARALLEL", "INPAINT_STEPS"} {
		t.Setenv(k, "")
	}
	LoadConfig()

	assert.Equal(t, 64, MaxBatch)
	assert.Equal(t, 1, NumParallel)
	assert.Equal(t, 18, Steps)

	vals := Values()
	assert.Equal(t, "64", vals["INPAINT_MAX_BATCH"])
	assert.Equal(t, "18", vals["INPAINT_STEPS"])
	assert.Len(t, AsMap(), 5)
}

func TestConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("INPAINT_HOME", home)
	t.Setenv("INPAINT_STEPS", "")
	t.Setenv("INPAINT_NUM_PARALLEL", "")
	t.Setenv("INPAINT_MAX_BATCH", "32")

	var cfg Config
	cfg.Sampling.Steps = 40
	cfg.Sampling.NumParallel = 4
	cfg.Sampling.MaxBatch = 8
	b, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), b, 0o644))

	LoadConfig()
	assert.Equal(t, 40, Steps)
	assert.Equal(t, 4, NumParallel)

	// environment wins over the file
	assert.Equal(t, 32, MaxBatch)
}

func TestExampleConfig(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(GenerateExampleConfig()), &cfg))
	assert.Equal(t, 18, cfg.Sampling.Steps)
	assert.Equal(t, 64, cfg.Sampling.MaxBatch)
	assert.Equal(t, 1, cfg.Sampling.NumParallel)
}
