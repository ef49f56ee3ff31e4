package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config represents the YAML configuration file. Environment variables take precedence
// over values set here.
type Config struct {
	Logging struct {
		Debug int `yaml:"debug"`
	} `yaml:"logging"`

	Sampling struct {
		Steps       int `yaml:"steps"`
		MaxBatch    int `yaml:"max_batch"`
		NumParallel int `yaml:"num_parallel"`
	} `yaml:"sampling"`
}

var (
	configMu   sync.Mutex
	config     *Config
	configPath string
	configRead bool
)

// ConfigPath returns the location of the configuration file.
func ConfigPath() string {
	return filepath.Join(Home, "config.yaml")
}

func loadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	return &cfg, nil
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configMu.Lock()
	defer configMu.Unlock()

	if path := ConfigPath(); !configRead || path != configPath {
		var err error
		config, err = loadConfigFile(path)
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", path)
		}
		configPath, configRead = path, true
	}

	if config == nil {
		return ""
	}

	var v int
	switch key {
	case "INPAINT_DEBUG":
		v = config.Logging.Debug
	case "INPAINT_STEPS":
		v = config.Sampling.Steps
	case "INPAINT_MAX_BATCH":
		v = config.Sampling.MaxBatch
	case "INPAINT_NUM_PARALLEL":
		v = config.Sampling.NumParallel
	}

	if v > 0 {
		return strconv.Itoa(v)
	}
	return ""
}

// GenerateExampleConfig returns a commented example YAML configuration
func GenerateExampleConfig() string {
	return `# inpaint configuration file
# Environment variables (INPAINT_*) override these values.

logging:
  # 1 for debug, 2 for per-step tracing (default: 0)
  debug: 0

sampling:
  # Default number of inference steps (default: 18)
  steps: 18
  # Maximum samples per sampler call (default: 64)
  max_batch: 64
  # Batches sampled in parallel (default: 1)
  num_parallel: 1
`
}
