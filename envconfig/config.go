package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ollama/inpaint/logutil"
)

var (
	// Set via INPAINT_DEBUG in the environment
	Debug bool
	// Set via INPAINT_DEBUG in the environment; 1 selects debug, 2 selects trace
	LogLevel slog.Level
	// Set via INPAINT_HOME in the environment
	Home string
	// Set via INPAINT_MAX_BATCH in the environment
	MaxBatch int
	// Set via INPAINT_NUM_PARALLEL in the environment
	NumParallel int
	// Set via INPAINT_STEPS in the environment
	Steps int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"INPAINT_DEBUG":        {"INPAINT_DEBUG", LogLevel, "Show additional debug information (e.g. INPAINT_DEBUG=1, or 2 for per-step tracing)"},
		"INPAINT_HOME":         {"INPAINT_HOME", Home, "Directory holding .env and config.yaml (default ~/.inpaint)"},
		"INPAINT_MAX_BATCH":    {"INPAINT_MAX_BATCH", MaxBatch, "Maximum samples per sampler call (default 64)"},
		"INPAINT_NUM_PARALLEL": {"INPAINT_NUM_PARALLEL", NumParallel, "Maximum number of batches sampled in parallel (default 1)"},
		"INPAINT_STEPS":        {"INPAINT_STEPS", Steps, "Default number of inference steps (default 18)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// lookup returns the environment value for key, falling back to the config file.
func lookup(key string) string {
	if v := clean(key); v != "" {
		return v
	}
	return GetConfigValue(key)
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	// default values
	Debug = false
	LogLevel = slog.LevelInfo
	MaxBatch = 64
	NumParallel = 1
	Steps = 18

	Home = clean("INPAINT_HOME")
	if Home == "" {
		if home, err := os.UserHomeDir(); err == nil {
			Home = filepath.Join(home, ".inpaint")
		}
	}

	if debug := lookup("INPAINT_DEBUG"); debug != "" {
		if level, err := strconv.Atoi(debug); err == nil {
			switch {
			case level >= 2:
				LogLevel = logutil.LevelTrace
			case level == 1:
				LogLevel = slog.LevelDebug
			}
		} else if d, err := strconv.ParseBool(debug); err != nil || d {
			LogLevel = slog.LevelDebug
		}
		Debug = LogLevel < slog.LevelInfo
	}

	MaxBatch = positive("INPAINT_MAX_BATCH", MaxBatch)
	NumParallel = positive("INPAINT_NUM_PARALLEL", NumParallel)
	Steps = positive("INPAINT_STEPS", Steps)
}

func positive(key string, defaultValue int) int {
	s := lookup(key)
	if s == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		slog.Error("invalid setting must be greater than zero", key, s, "error", err)
		return defaultValue
	}
	return n
}
